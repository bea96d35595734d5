package muncher

import (
	"bytes"
	"fmt"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// A subscription message carries two consecutive DAG-CBOR values: a
// header {t, op} and a body. op 1 is a normal message whose type is
// "com.atproto.label.subscribeLabels" + t; op -1 is an error frame.
type frame struct {
	header events.EventHeader

	// exactly one of these is set for a recognized frame
	labels *comatproto.LabelSubscribeLabels_Labels
	info   *comatproto.LabelSubscribeLabels_Info
	errf   *events.ErrorFrame
}

func decodeFrame(msg []byte) (*frame, error) {
	r := bytes.NewReader(msg)

	var f frame
	if err := f.header.UnmarshalCBOR(r); err != nil {
		return nil, fmt.Errorf("bad frame header: %w", err)
	}

	switch f.header.Op {
	case events.EvtKindMessage:
		switch f.header.MsgType {
		case "#labels":
			var body comatproto.LabelSubscribeLabels_Labels
			if err := body.UnmarshalCBOR(r); err != nil {
				return nil, fmt.Errorf("bad #labels body: %w", err)
			}
			f.labels = &body
		case "#info":
			var body comatproto.LabelSubscribeLabels_Info
			if err := body.UnmarshalCBOR(r); err != nil {
				return nil, fmt.Errorf("bad #info body: %w", err)
			}
			f.info = &body
		default:
			// unrecognized message type: consume the body so the
			// trailing check below still applies, caller logs and skips
			var body cbg.Deferred
			if err := body.UnmarshalCBOR(r); err != nil {
				return nil, fmt.Errorf("bad body for %q: %w", f.header.MsgType, err)
			}
		}
	case events.EvtKindErrorFrame:
		var body events.ErrorFrame
		if err := body.UnmarshalCBOR(r); err != nil {
			return nil, fmt.Errorf("bad error frame body: %w", err)
		}
		f.errf = &body
	default:
		var body cbg.Deferred
		if err := body.UnmarshalCBOR(r); err != nil {
			return nil, fmt.Errorf("bad body for op %d: %w", f.header.Op, err)
		}
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after frame body", r.Len())
	}

	return &f, nil
}
