package muncher

import (
	"bytes"
	"io"
	"testing"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"github.com/stretchr/testify/require"
)

type cborMarshaler interface {
	MarshalCBOR(w io.Writer) error
}

func buildFrame(t *testing.T, header events.EventHeader, body cborMarshaler) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, header.MarshalCBOR(&buf))
	if body != nil {
		require.NoError(t, body.MarshalCBOR(&buf))
	}
	return buf.Bytes()
}

func TestDecodeLabelsFrame(t *testing.T) {
	labels := &comatproto.LabelSubscribeLabels_Labels{
		Seq: 5,
		Labels: []*comatproto.LabelDefs_Label{
			{
				Src: "did:plc:labeler",
				Uri: "at://did:plc:subject/app.bsky.feed.post/1",
				Val: "spam",
				Cts: "2024-01-01T00:00:00Z",
				Sig: []byte{0x01, 0x02},
			},
		},
	}
	msg := buildFrame(t, events.EventHeader{Op: events.EvtKindMessage, MsgType: "#labels"}, labels)

	f, err := decodeFrame(msg)
	require.NoError(t, err)
	require.NotNil(t, f.labels)
	require.EqualValues(t, 5, f.labels.Seq)
	require.Len(t, f.labels.Labels, 1)
	require.Equal(t, "spam", f.labels.Labels[0].Val)
	require.Nil(t, f.info)
	require.Nil(t, f.errf)
}

func TestDecodeInfoFrame(t *testing.T) {
	message := "requested cursor exceeded limit, possibly missing events"
	info := &comatproto.LabelSubscribeLabels_Info{
		Name:    "OutdatedCursor",
		Message: &message,
	}
	msg := buildFrame(t, events.EventHeader{Op: events.EvtKindMessage, MsgType: "#info"}, info)

	f, err := decodeFrame(msg)
	require.NoError(t, err)
	require.NotNil(t, f.info)
	require.Equal(t, "OutdatedCursor", f.info.Name)
}

func TestDecodeErrorFrame(t *testing.T) {
	errf := &events.ErrorFrame{Error: "FutureCursor", Message: "cursor is in the future"}
	msg := buildFrame(t, events.EventHeader{Op: events.EvtKindErrorFrame}, errf)

	f, err := decodeFrame(msg)
	require.NoError(t, err)
	require.NotNil(t, f.errf)
	require.Equal(t, "FutureCursor", f.errf.Error)
}

func TestDecodeUnknownMessageType(t *testing.T) {
	info := &comatproto.LabelSubscribeLabels_Info{Name: "whatever"}
	msg := buildFrame(t, events.EventHeader{Op: events.EvtKindMessage, MsgType: "#someFutureThing"}, info)

	f, err := decodeFrame(msg)
	require.NoError(t, err, "unknown types decode cleanly and are skipped by the caller")
	require.Nil(t, f.labels)
	require.Nil(t, f.info)
	require.Nil(t, f.errf)
}

func TestDecodeUnknownOp(t *testing.T) {
	info := &comatproto.LabelSubscribeLabels_Info{Name: "whatever"}
	msg := buildFrame(t, events.EventHeader{Op: 7, MsgType: "#labels"}, info)

	f, err := decodeFrame(msg)
	require.NoError(t, err)
	require.Nil(t, f.labels)
}

func TestDecodeTrailingBytes(t *testing.T) {
	labels := &comatproto.LabelSubscribeLabels_Labels{Seq: 1}
	msg := buildFrame(t, events.EventHeader{Op: events.EvtKindMessage, MsgType: "#labels"}, labels)
	msg = append(msg, 0x00)

	_, err := decodeFrame(msg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "trailing")
}

func TestDecodeGarbage(t *testing.T) {
	_, err := decodeFrame([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)

	_, err = decodeFrame(nil)
	require.Error(t, err)
}

func TestDecodeTruncatedBody(t *testing.T) {
	labels := &comatproto.LabelSubscribeLabels_Labels{Seq: 1}
	msg := buildFrame(t, events.EventHeader{Op: events.EvtKindMessage, MsgType: "#labels"}, labels)

	_, err := decodeFrame(msg[:len(msg)-2])
	require.Error(t, err)
}
