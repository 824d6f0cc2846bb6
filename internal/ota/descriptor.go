package ota

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Firmware image layout: a 24 byte image header and an 8 byte segment
// header precede the 256 byte application descriptor.
const (
	imageHeaderSize   = 24
	segmentHeaderSize = 8
	appDescSize       = 256

	// DescriptorSize is how many leading image bytes hold the descriptor.
	DescriptorSize = imageHeaderSize + segmentHeaderSize + appDescSize

	appDescMagic       = 0xABCD5432
	appDescOffset      = imageHeaderSize + segmentHeaderSize
	versionOffset      = appDescOffset + 16
	projectNameOffset  = appDescOffset + 48
	descriptorFieldLen = 32
)

// Descriptor is the identity embedded in a firmware image.
type Descriptor struct {
	Version     string
	ProjectName string
}

// ParseDescriptor extracts the descriptor from the first DescriptorSize
// bytes of an image.
func ParseDescriptor(header []byte) (Descriptor, error) {
	if len(header) < DescriptorSize {
		return Descriptor{}, fmt.Errorf("%w: header is %d bytes, need %d",
			ErrImageValidation, len(header), DescriptorSize)
	}
	if magic := binary.LittleEndian.Uint32(header[appDescOffset:]); magic != appDescMagic {
		return Descriptor{}, fmt.Errorf("%w: bad descriptor magic %#x", ErrImageValidation, magic)
	}

	return Descriptor{
		Version:     cString(header[versionOffset : versionOffset+descriptorFieldLen]),
		ProjectName: cString(header[projectNameOffset : projectNameOffset+descriptorFieldLen]),
	}, nil
}

// EncodeDescriptor builds a DescriptorSize header carrying d. Fields
// longer than 31 bytes are truncated.
func EncodeDescriptor(d Descriptor) []byte {
	header := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint32(header[appDescOffset:], appDescMagic)
	copy(header[versionOffset:versionOffset+descriptorFieldLen-1], d.Version)
	copy(header[projectNameOffset:projectNameOffset+descriptorFieldLen-1], d.ProjectName)
	return header
}

// cString returns the NUL-terminated prefix of b.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
