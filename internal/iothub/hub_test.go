package iothub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/qcloud-device/internal/device"
	"github.com/nerrad567/qcloud-device/internal/infrastructure/mqtt"
	"github.com/nerrad567/qcloud-device/internal/notify"
	"github.com/nerrad567/qcloud-device/internal/storage"
)

func TestNewHub_Validation(t *testing.T) {
	_, err := NewHub(HubOptions{Registry: device.NewRegistry(device.Profile{})})
	assert.Error(t, err)

	_, err = NewHub(HubOptions{Transport: NewMockMQTTClient()})
	assert.Error(t, err)
}

func TestHub_Start(t *testing.T) {
	th := newTestHub(t)
	topics := th.hub.Topics()

	require.NoError(t, th.hub.Start(context.Background()))

	subs := th.mqtt.GetSubscriptions()
	assert.Contains(t, subs, topics.ThingDown(mqtt.FacetService))
	assert.Contains(t, subs, topics.ThingDown(mqtt.FacetProperty))
	assert.Contains(t, subs, topics.ThingDown(mqtt.FacetAction))
	assert.Contains(t, subs, topics.LogOperationResult())

	var logReq map[string]string
	for _, p := range th.mqtt.GetPublished() {
		if p.Topic == topics.LogOperation() {
			require.NoError(t, json.Unmarshal(p.Payload, &logReq))
		}
	}
	assert.Equal(t, "get_log_level", logReq["type"])
	assert.Regexp(t, `^`+testProductID+`-\d{5}$`, logReq["clientToken"])

	reports := th.mqtt.envelopesOn(t, topics.ThingUp(mqtt.FacetProperty))
	require.Len(t, reports, 1)
	assert.Equal(t, MethodNameReport, reports[0].Method)
	assert.JSONEq(t, `{"power_switch":0,"hue":0}`, string(reports[0].Params))

	assert.True(t, th.hub.IsConnected())
	assert.Equal(t, 1, th.notifier.count(notify.EventInitDone))
}

func TestHub_StartFailsWithoutAccessor(t *testing.T) {
	th := newTestHub(t)
	th.registry.BindAccessor(nil)

	err := th.hub.Start(context.Background())
	assert.ErrorIs(t, err, device.ErrNoAccessor)
	assert.False(t, th.hub.IsConnected())
}

func TestHub_StartPresentsStoredToken(t *testing.T) {
	th := newTestHub(t)
	th.store.data[storage.KeyToken] = []byte("stored-token")

	require.NoError(t, th.hub.Start(context.Background()))

	envs := th.mqtt.envelopesOn(t, th.hub.Topics().ThingUp(mqtt.FacetService))
	require.Len(t, envs, 1)
	assert.Equal(t, MethodNameAppBindToken, envs[0].Method)
	assert.JSONEq(t, `{"token":"stored-token"}`, string(envs[0].Params))
	assert.Equal(t, StateBindRequested, th.hub.BindState())

	info := th.mqtt.envelopesOn(t, th.hub.Topics().ThingUp(mqtt.FacetProperty))
	require.NotEmpty(t, info)
	assert.Equal(t, MethodNameReportInfo, info[0].Method)
	assert.JSONEq(t, `{"module_hardinfo":"linux","module_softinfo":"qcloud-device","fw_ver":"1.0.0"}`,
		string(info[0].Params))
}

func TestHub_Stop(t *testing.T) {
	th := startedHub(t)

	th.hub.Stop()

	assert.False(t, th.hub.IsConnected())
	assert.Error(t, th.mqtt.SimulateMessage(th.hub.Topics().ThingDown(mqtt.FacetProperty), []byte(`{}`)))
}

func TestHub_ControlThenReport(t *testing.T) {
	th := startedHub(t)
	topics := th.hub.Topics()

	err := th.mqtt.SimulateMessage(topics.ThingDown(mqtt.FacetProperty),
		[]byte(`{"method":"control","clientToken":"clientToken-123","params":{"power_switch":1}}`))
	require.NoError(t, err)

	sets := th.accessor.setCalls()
	require.Len(t, sets, 1)
	assert.Equal(t, "power_switch", sets[0].ID)
	assert.Equal(t, device.BoolValue(true), sets[0].Value)

	replies := th.mqtt.envelopesOn(t, topics.ThingUp(mqtt.FacetProperty))
	require.Len(t, replies, 1)
	assert.Equal(t, MethodNameControlReply, replies[0].Method)
	assert.Equal(t, "clientToken-123", replies[0].ClientToken)
	require.NotNil(t, replies[0].Code)
	assert.Equal(t, 0, *replies[0].Code)
	assert.Equal(t, "success", replies[0].Status)

	th.mqtt.ClearPublished()
	require.NoError(t, th.hub.ReportAllProperties(context.Background()))
	reports := th.mqtt.envelopesOn(t, topics.ThingUp(mqtt.FacetProperty))
	require.Len(t, reports, 1)
	assert.JSONEq(t, `{"power_switch":1,"hue":0}`, string(reports[0].Params))
}

func TestHub_ControlPartialFailure(t *testing.T) {
	th := startedHub(t)
	th.accessor.failSet = "hue"
	topics := th.hub.Topics()

	err := th.mqtt.SimulateMessage(topics.ThingDown(mqtt.FacetProperty),
		[]byte(`{"method":"control","clientToken":"c-1","params":{"power_switch":true,"hue":10,"saturation":5}}`))
	require.NoError(t, err)

	sets := th.accessor.setCalls()
	require.Len(t, sets, 1)
	assert.Equal(t, "power_switch", sets[0].ID)

	replies := th.mqtt.envelopesOn(t, topics.ThingUp(mqtt.FacetProperty))
	require.Len(t, replies, 1)
	assert.Equal(t, CodePropertyAccess, replies[0].CodeValue())
	assert.Equal(t, "property_access_failure", replies[0].Status)
}

func TestHub_ControlTypeMismatch(t *testing.T) {
	th := startedHub(t)
	topics := th.hub.Topics()

	err := th.mqtt.SimulateMessage(topics.ThingDown(mqtt.FacetProperty),
		[]byte(`{"method":"control","clientToken":"c-2","params":{"power_switch":"on"}}`))
	require.NoError(t, err)

	assert.Empty(t, th.accessor.setCalls())
	replies := th.mqtt.envelopesOn(t, topics.ThingUp(mqtt.FacetProperty))
	require.Len(t, replies, 1)
	assert.Equal(t, CodePropertyAccess, replies[0].CodeValue())
}

func TestHub_PropertyMalformedDropped(t *testing.T) {
	th := startedHub(t)
	topics := th.hub.Topics()

	err := th.mqtt.SimulateMessage(topics.ThingDown(mqtt.FacetProperty),
		[]byte(`{"method":"control","params":{"power_switch":1}}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.Empty(t, th.accessor.setCalls())
	assert.Empty(t, th.mqtt.GetPublished())
}

func TestHub_ReportFailureNotPublished(t *testing.T) {
	th := startedHub(t)
	th.accessor.failGet = "hue"

	err := th.hub.ReportAllProperties(context.Background())
	assert.ErrorIs(t, err, device.ErrPropertyAccess)
	assert.Empty(t, th.mqtt.GetPublished())
}

func TestHub_ReportTransportFailure(t *testing.T) {
	th := startedHub(t)
	th.mqtt.SetPublishError(mqtt.ErrNotConnected)

	err := th.hub.ReportAllProperties(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, mqtt.ErrNotConnected)
}

func TestHub_GetStatus(t *testing.T) {
	tests := []struct {
		name       string
		autoUpdate bool
		code       int
		wantSets   int
		wantEvent  bool
	}{
		{"notify only", false, 0, 0, true},
		{"auto update", true, 0, 2, true},
		{"rejected", true, 404, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := startedHub(t)
			topics := th.hub.Topics()

			require.NoError(t, th.hub.GetStatus(context.Background(), tt.autoUpdate))
			assert.True(t, th.hub.StatusPending())

			var req map[string]string
			pubs := th.mqtt.GetPublished()
			require.Len(t, pubs, 1)
			require.NoError(t, json.Unmarshal(pubs[0].Payload, &req))
			assert.Equal(t, MethodNameGetStatus, req["method"])
			assert.Equal(t, "report", req["type"])

			reply, err := json.Marshal(map[string]any{
				"method":      MethodNameGetStatusReply,
				"clientToken": req["clientToken"],
				"code":        tt.code,
				"status":      "x",
				"data":        map[string]any{"reported": map[string]any{"power_switch": 1, "hue": 200}},
			})
			require.NoError(t, err)
			require.NoError(t, th.mqtt.SimulateMessage(topics.ThingDown(mqtt.FacetProperty), reply))

			assert.False(t, th.hub.StatusPending())
			assert.Len(t, th.accessor.setCalls(), tt.wantSets)

			ev, ok := th.notifier.last(notify.EventStatusReceived)
			assert.Equal(t, tt.wantEvent, ok)
			if tt.wantEvent {
				assert.JSONEq(t, `{"power_switch":1,"hue":200}`, string(ev.Payload))
			}
		})
	}
}

func TestHub_GetStatusReplyUnsolicited(t *testing.T) {
	th := startedHub(t)

	err := th.mqtt.SimulateMessage(th.hub.Topics().ThingDown(mqtt.FacetProperty),
		[]byte(`{"method":"get_status_reply","clientToken":"stale","code":0,"data":{"reported":{"hue":1}}}`))
	require.NoError(t, err)

	assert.Equal(t, 0, th.notifier.count(notify.EventStatusReceived))
}

func TestHub_PostEvent(t *testing.T) {
	th := startedHub(t)

	params := device.Params{}
	params.AddString("reason", "overheat")
	require.NoError(t, th.hub.PostEvent(context.Background(), "fault_report", "fault", params))

	envs := th.mqtt.envelopesOn(t, th.hub.Topics().ThingUp(mqtt.FacetEvent))
	require.Len(t, envs, 1)
	assert.Equal(t, MethodNameEventPost, envs[0].Method)
	assert.Equal(t, "fault_report", envs[0].EventID)
	assert.Equal(t, "fault", envs[0].Type)
	assert.Regexp(t, `^`+testDeviceName+`-\d{5}$`, envs[0].ClientToken)
	assert.JSONEq(t, `{"reason":"overheat"}`, string(envs[0].Params))
}

func TestHub_PostMethodCancelled(t *testing.T) {
	th := startedHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := th.hub.PostMethod(ctx, NewMethod(MethodReport))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, th.mqtt.GetPublished())
}

func TestHub_RemoteLogLevel(t *testing.T) {
	th := startedHub(t)
	topic := th.hub.Topics().LogOperationResult()

	require.NoError(t, th.mqtt.SimulateMessage(topic, []byte(`{"type":"get_log_level","log_level":3}`)))
	assert.Equal(t, 3, th.levels.level)
	assert.Equal(t, 1, th.levels.calls)

	require.NoError(t, th.mqtt.SimulateMessage(topic, []byte(`{"type":"get_log_level"}`)))
	require.NoError(t, th.mqtt.SimulateMessage(topic, []byte(`{"type":"other","log_level":1}`)))
	assert.Equal(t, 1, th.levels.calls)

	err := th.mqtt.SimulateMessage(topic, []byte(`nope`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func waitForPublishes(t *testing.T, m *MockMQTTClient, topic string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		count := 0
		for _, p := range m.GetPublished() {
			if p.Topic == topic {
				count++
			}
		}
		return count >= n
	}, time.Second, 5*time.Millisecond)
}

func TestHub_Unbind(t *testing.T) {
	th := startedHub(t)
	hooked := 0
	th.hub.OnUnbind(func() { hooked++ })

	require.NoError(t, th.mqtt.SimulateMessage(th.hub.Topics().ThingDown(mqtt.FacetService),
		[]byte(`{"method":"unbind_device","DeviceId":"ABCDEFGHIJ/light01"}`)))

	assert.Equal(t, 1, hooked)
	assert.Equal(t, StateUnbound, th.hub.BindState())
	assert.Equal(t, 1, th.notifier.count(notify.EventUnbound))
}

func TestHub_ServiceMalformed(t *testing.T) {
	th := startedHub(t)
	err := th.mqtt.SimulateMessage(th.hub.Topics().ThingDown(mqtt.FacetService), []byte(`{"DeviceId":"x"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
