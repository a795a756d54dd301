package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildValidation(t *testing.T) {
	cases := []struct {
		name string
		opts BuildOptions
		ok   bool
	}{
		{"plain text", BuildOptions{Body: "hi", Recipients: []string{"a"}, Timestamp: 1}, true},
		{"no recipients", BuildOptions{Body: "hi", Timestamp: 1}, false},
		{"two recipients without group", BuildOptions{Body: "hi", Recipients: []string{"a", "b"}, Timestamp: 1}, false},
		{"group with many recipients", BuildOptions{Body: "hi", GroupV2: &GroupContextV2{MasterKey: []byte{1}}, Recipients: []string{"a", "b"}, Timestamp: 1}, true},
		{"group with zero recipients", BuildOptions{Body: "hi", GroupV2: &GroupContextV2{MasterKey: []byte{1}}, Timestamp: 1}, true},
		{"both group contexts", BuildOptions{GroupV1: &GroupContextV1{ID: []byte{1}}, GroupV2: &GroupContextV2{MasterKey: []byte{1}}, Timestamp: 1}, false},
		{"negative expire timer", BuildOptions{Body: "hi", Recipients: []string{"a"}, ExpireTimer: -1, Timestamp: 1}, false},
		{"end session", BuildOptions{EndSession: true, Recipients: []string{"a"}, Timestamp: 1}, true},
		{"end session with body", BuildOptions{EndSession: true, Body: "bye", Recipients: []string{"a"}, Timestamp: 1}, false},
		{"end session with group", BuildOptions{EndSession: true, GroupV2: &GroupContextV2{MasterKey: []byte{1}}, Timestamp: 1}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			content, err := Build(tc.opts)
			if tc.ok {
				require.NoError(t, err)
				require.NotNil(t, content.DataMessage)
			} else {
				var invalid *InvalidMessageError
				require.ErrorAs(t, err, &invalid)
			}
		})
	}
}

func TestBuildRaisesProtocolVersion(t *testing.T) {
	content, err := Build(BuildOptions{
		Body:       "hey @someone",
		Recipients: []string{"a"},
		Mentions:   []Mention{{Start: 4, Length: 8, ServiceID: "someone"}},
		Timestamp:  1,
	})
	require.NoError(t, err)
	assert.EqualValues(t, ProtocolVersionMentions, content.DataMessage.RequiredProtocolVersion)

	content, err = Build(BuildOptions{
		Recipients: []string{"a"},
		Reaction:   &Reaction{Emoji: "x", TargetAuthor: "a", TargetTimestamp: 1},
		Timestamp:  1,
	})
	require.NoError(t, err)
	assert.EqualValues(t, ProtocolVersionReaction, content.DataMessage.RequiredProtocolVersion)

	// Quote mentions alone are enough.
	content, err = Build(BuildOptions{
		Body:       "re",
		Recipients: []string{"a"},
		Quote:      &Quote{ID: 1, Author: "a", Mentions: []Mention{{ServiceID: "b"}}},
		Timestamp:  1,
	})
	require.NoError(t, err)
	assert.EqualValues(t, ProtocolVersionMentions, content.DataMessage.RequiredProtocolVersion)
}

func TestBuildEndSessionFlag(t *testing.T) {
	content, err := Build(BuildOptions{EndSession: true, Recipients: []string{"a"}, Timestamp: 1})
	require.NoError(t, err)
	assert.EqualValues(t, FlagEndSession, content.DataMessage.Flags&FlagEndSession)
}

func TestContentRoundTrip(t *testing.T) {
	content, err := Build(BuildOptions{
		Body:       "round trip",
		Recipients: []string{"a"},
		Attachments: []AttachmentPointer{{
			CDNKey:      "abc",
			ContentType: "image/png",
			Key:         make([]byte, 64),
			Digest:      make([]byte, 32),
			Size:        1234,
		}},
		ExpireTimer: 60,
		Timestamp:   1700000000000,
	})
	require.NoError(t, err)

	encoded, err := content.Encode()
	require.NoError(t, err)

	decoded, err := DecodeContent(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded.DataMessage)
	assert.Equal(t, "round trip", decoded.DataMessage.Body)
	assert.EqualValues(t, 60, decoded.DataMessage.ExpireTimer)
	require.Len(t, decoded.DataMessage.Attachments, 1)
	assert.Equal(t, "abc", decoded.DataMessage.Attachments[0].CDNKey)

	// Deterministic encoding: same content, same bytes.
	again, err := decoded.Encode()
	require.NoError(t, err)
	assert.Equal(t, encoded, again)
}

func TestKindTaxonomy(t *testing.T) {
	assert.Equal(t, KindUnregistered, Kind(&UnregisteredError{ServiceID: "a"}))
	assert.Equal(t, KindStaleDevices, Kind(&StaleDevicesError{StaleDevices: []int{2}}))
	assert.Equal(t, KindUnknown, Kind(assert.AnError))
}
