package takedown

import (
	"context"
	"fmt"
	"testing"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/stretchr/testify/require"

	"tangled.org/labelmuncher/log"
)

const modDid = "did:plc:moderation"

type recordedCall struct {
	method  string
	subject string
	ref     string
}

type fakeDataplane struct {
	calls []recordedCall
	err   error
}

func (f *fakeDataplane) TakedownActor(ctx context.Context, did, ref string, seen time.Time) error {
	f.calls = append(f.calls, recordedCall{"TakedownActor", did, ref})
	return f.err
}

func (f *fakeDataplane) UntakedownActor(ctx context.Context, did string, seen time.Time) error {
	f.calls = append(f.calls, recordedCall{"UntakedownActor", did, ""})
	return f.err
}

func (f *fakeDataplane) TakedownRecord(ctx context.Context, recordUri, ref string, seen time.Time) error {
	f.calls = append(f.calls, recordedCall{"TakedownRecord", recordUri, ref})
	return f.err
}

func (f *fakeDataplane) UntakedownRecord(ctx context.Context, recordUri string, seen time.Time) error {
	f.calls = append(f.calls, recordedCall{"UntakedownRecord", recordUri, ""})
	return f.err
}

func takedownLabel(src, uri string, neg bool) *comatproto.LabelDefs_Label {
	label := &comatproto.LabelDefs_Label{
		Src: src,
		Uri: uri,
		Val: "!takedown",
		Cts: "2024-05-06T07:08:09.123Z",
	}
	if neg {
		label.Neg = &neg
	}
	return label
}

func TestRef(t *testing.T) {
	require.Equal(t, "BSKY-TAKEDOWN-20240506T070809123Z", Ref("2024-05-06T07:08:09.123Z"))
	require.Equal(t, "BSKY-TAKEDOWN-20240101T000000Z", Ref("2024-01-01T00:00:00Z"))
}

func TestRelevant(t *testing.T) {
	d := NewDispatcher(modDid, &fakeDataplane{}, log.New("test"))

	require.True(t, d.Relevant(takedownLabel(modDid, "did:plc:subject", false)))
	require.False(t, d.Relevant(takedownLabel("did:plc:other", "did:plc:subject", false)), "untrusted source")
	require.False(t, d.Relevant(&comatproto.LabelDefs_Label{Src: modDid, Uri: "did:plc:subject", Val: "spam"}), "not a takedown")

	unconfigured := NewDispatcher("", &fakeDataplane{}, log.New("test"))
	require.False(t, unconfigured.Relevant(takedownLabel("", "did:plc:subject", false)))
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name        string
		uri         string
		neg         bool
		wantMethod  string
		wantRef     string
		wantNoCalls bool
	}{
		{
			name:       "actor takedown",
			uri:        "did:plc:subject",
			wantMethod: "TakedownActor",
			wantRef:    "BSKY-TAKEDOWN-20240506T070809123Z",
		},
		{
			name:       "actor untakedown",
			uri:        "did:plc:subject",
			neg:        true,
			wantMethod: "UntakedownActor",
		},
		{
			name:       "record takedown",
			uri:        "at://did:plc:subject/app.bsky.feed.post/1",
			wantMethod: "TakedownRecord",
			wantRef:    "BSKY-TAKEDOWN-20240506T070809123Z",
		},
		{
			name:       "record untakedown",
			uri:        "at://did:plc:subject/app.bsky.feed.post/1",
			neg:        true,
			wantMethod: "UntakedownRecord",
		},
		{
			name:        "bogus subject",
			uri:         "https://example.com/whatever",
			wantNoCalls: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dp := &fakeDataplane{}
			d := NewDispatcher(modDid, dp, log.New("test"))

			d.Dispatch(context.Background(), takedownLabel(modDid, tt.uri, tt.neg))

			if tt.wantNoCalls {
				require.Empty(t, dp.calls)
				return
			}
			require.Len(t, dp.calls, 1, "exactly one dataplane call per label")
			require.Equal(t, tt.wantMethod, dp.calls[0].method)
			require.Equal(t, tt.uri, dp.calls[0].subject)
			require.Equal(t, tt.wantRef, dp.calls[0].ref)
		})
	}
}

func TestDispatchSwallowsRpcErrors(t *testing.T) {
	dp := &fakeDataplane{err: fmt.Errorf("dataplane down")}
	d := NewDispatcher(modDid, dp, log.New("test"))

	// must not panic or propagate
	d.Dispatch(context.Background(), takedownLabel(modDid, "did:plc:subject", false))
	require.Len(t, dp.calls, 1)
}
