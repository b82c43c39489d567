package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	want := Frame{
		Header: Header{
			Command:   CmdSync,
			ReplyCmd:  CmdReplySyncAck,
			RequestID: 42,
		},
		Payload: Sync{Map: 1, Hash: 2, NameInt: -7, Expires: 300, Value: []byte("hello")}.Marshal(),
	}
	want.Header.PayloadLen = uint32(len(want.Payload))

	got, err := DecodeFrame(want.Encode())
	require.NoError(t, err)
	require.Equal(t, want, got)

	sync, err := UnmarshalSync(got.Payload)
	require.NoError(t, err)
	require.Equal(t, Sync{Map: 1, Hash: 2, NameInt: -7, Expires: 300, Value: []byte("hello")}, sync)
}

func TestServerHelloRoundTrip(t *testing.T) {
	want := ServerHello{Addr: "10.0.0.1:9200", Capabilities: CapSupportsPromoteSwap}
	got, err := UnmarshalServerHello(want.Marshal())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestHashMaskUpdateRoundTrip(t *testing.T) {
	want := HashMaskUpdate{Mask: 0x7, Hash: 3, PrimaryAddr: "a:1", SecondaryAddr: "b:2"}
	got, err := UnmarshalHashMaskUpdate(want.Marshal())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBackupHandoffRoundTrip(t *testing.T) {
	want := BackupHandoff{Mask: 0x3, Hash: 1, NewPrimaryAddr: "c:3"}
	got, err := UnmarshalBackupHandoff(want.Marshal())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecodeFrameShortHeader(t *testing.T) {
	_, err := DecodeFrame([]byte{1, 2, 3})
	require.Error(t, err)
}
