package mqtt

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand/v2"
)

// Hub authentication constants.
const (
	// sdkAppID identifies the device SDK family in the MQTT username.
	sdkAppID = "21010406"

	// credentialExpiry is the signature expiry written into the username.
	// The hub treats it as "never".
	credentialExpiry = math.MaxInt32

	// signMethod is appended to the key-mode password.
	signMethod = "hmacsha256"
)

// Credentials is the MQTT identity presented to the IoT hub.
//
// Key-mode credentials carry a signed password; cert-mode credentials
// carry a TLS client certificate and no password.
type Credentials struct {
	ClientID    string
	Username    string
	Password    string
	Certificate *tls.Certificate
}

// KeyCredentials derives hub credentials from a base64 device secret.
//
// The username is "{clientID};21010406;{connID};{expiry}" and the password
// is the hex HMAC-SHA256 of the username keyed by the decoded secret,
// followed by ";hmacsha256".
//
// Parameters:
//   - productID, deviceName: Device identity (client ID is their concatenation)
//   - deviceSecret: Base64 PSK issued by the console
//
// Returns:
//   - Credentials: Ready for Connect
//   - error: If the secret is not valid base64
func KeyCredentials(productID, deviceName, deviceSecret string) (Credentials, error) {
	psk, err := base64.StdEncoding.DecodeString(deviceSecret)
	if err != nil {
		return Credentials{}, fmt.Errorf("decoding device secret: %w", err)
	}

	clientID := productID + deviceName
	username := buildUsername(clientID, rand.IntN(100000))

	return Credentials{
		ClientID: clientID,
		Username: username,
		Password: signPassword(psk, username),
	}, nil
}

// CertCredentials builds hub credentials from a PEM client certificate and key.
func CertCredentials(productID, deviceName string, certPEM, keyPEM []byte) (Credentials, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return Credentials{}, fmt.Errorf("loading client certificate: %w", err)
	}

	clientID := productID + deviceName
	return Credentials{
		ClientID:    clientID,
		Username:    buildUsername(clientID, rand.IntN(100000)),
		Certificate: &cert,
	}, nil
}

// buildUsername formats the hub username for a connection id.
func buildUsername(clientID string, connID int) string {
	return fmt.Sprintf("%s;%s;%05d;%d", clientID, sdkAppID, connID, credentialExpiry)
}

// signPassword computes the key-mode password for username.
func signPassword(psk []byte, username string) string {
	mac := hmac.New(sha256.New, psk)
	mac.Write([]byte(username))
	return hex.EncodeToString(mac.Sum(nil)) + ";" + signMethod
}
