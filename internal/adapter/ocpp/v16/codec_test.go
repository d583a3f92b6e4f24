package v16

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCall(t *testing.T) {
	frame, err := Decode([]byte(`[2,"19223201","BootNotification",{"chargePointVendor":"VendorX"}]`))
	require.NoError(t, err)

	assert.Equal(t, 2, frame.Type)
	assert.Equal(t, "19223201", frame.UniqueID)
	assert.Equal(t, "BootNotification", frame.Action)
	assert.JSONEq(t, `{"chargePointVendor":"VendorX"}`, string(frame.Payload))
}

func TestDecodeCallWithoutPayload(t *testing.T) {
	frame, err := Decode([]byte(`[2,"42","Heartbeat"]`))
	require.NoError(t, err)

	assert.Equal(t, "Heartbeat", frame.Action)
	assert.JSONEq(t, `{}`, string(frame.Payload))
}

func TestDecodeCallResult(t *testing.T) {
	frame, err := Decode([]byte(`[3,"19223201",{"status":"Accepted"}]`))
	require.NoError(t, err)

	assert.Equal(t, 3, frame.Type)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(frame.Payload))
}

func TestDecodeCallError(t *testing.T) {
	frame, err := Decode([]byte(`[4,"19223201","NotImplemented","no such action",{}]`))
	require.NoError(t, err)

	assert.Equal(t, 4, frame.Type)
	assert.Equal(t, ErrNotImplemented, frame.ErrorCode)
	assert.Equal(t, "no such action", frame.ErrorDescription)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantUnique string
	}{
		{"not an array", `{"hello":"world"}`, ""},
		{"too short", `[2,"abc"]`, "abc"},
		{"too long", `[2,"abc","A",{},{},{}]`, "abc"},
		{"unknown type", `[9,"abc",{}]`, "abc"},
		{"non-string unique id", `[2,42,"Heartbeat",{}]`, ""},
		{"non-object payload", `[2,"abc","Heartbeat",[1,2]]`, "abc"},
		{"non-string action", `[2,"abc",7,{}]`, "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			require.Error(t, err)

			var decErr *DecodeError
			require.ErrorAs(t, err, &decErr)
			assert.Equal(t, tt.wantUnique, decErr.UniqueID)
		})
	}
}

func TestEncodeCallResult(t *testing.T) {
	frame, err := NewCallResult("abc", map[string]interface{}{"status": "Accepted"})
	require.NoError(t, err)

	data, err := Encode(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `[3,"abc",{"status":"Accepted"}]`, string(data))
}

func TestEncodeCallErrorDefaultsDetails(t *testing.T) {
	data, err := Encode(NewCallError("abc", ErrFormationViolation, "bad payload"))
	require.NoError(t, err)
	assert.JSONEq(t, `[4,"abc","FormationViolation","bad payload",{}]`, string(data))
}

func TestEncodeEmptyPayloadDefaultsToObject(t *testing.T) {
	data, err := Encode(&Frame{Type: 3, UniqueID: "abc"})
	require.NoError(t, err)
	assert.JSONEq(t, `[3,"abc",{}]`, string(data))
}

func TestMarshalPayloadFormatsTimestamps(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 30, 0, 0, time.FixedZone("CET", 3600))
	body, err := MarshalPayload(map[string]interface{}{
		"currentTime": ts,
		"nested":      map[string]interface{}{"at": ts},
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "2024-05-01T09:30:00Z", decoded["currentTime"])
	assert.Equal(t, "2024-05-01T09:30:00Z", decoded["nested"].(map[string]interface{})["at"])
}

func TestParseTimestamp(t *testing.T) {
	for _, input := range []string{
		"2024-05-01T09:30:00Z",
		"2024-05-01T09:30:00+00:00",
		"2024-05-01T09:30:00",
	} {
		ts, err := ParseTimestamp(input)
		require.NoError(t, err, input)
		assert.Equal(t, 2024, ts.Year())
		assert.Equal(t, 30, ts.Minute())
	}

	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
}
