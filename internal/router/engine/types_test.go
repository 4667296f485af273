package engine

import "testing"

func TestCanConsume(t *testing.T) {
	t.Parallel()

	opus := RTPCodec{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}

	cases := []struct {
		name string
		caps RTPCapabilities
		want bool
	}{
		{
			name: "exact match",
			caps: RTPCapabilities{Codecs: []RTPCodec{opus}},
			want: true,
		},
		{
			name: "case-insensitive mime type",
			caps: RTPCapabilities{Codecs: []RTPCodec{{MimeType: "Audio/Opus", ClockRate: 48000, Channels: 2}}},
			want: true,
		},
		{
			name: "unspecified channels are compatible",
			caps: RTPCapabilities{Codecs: []RTPCodec{{MimeType: "audio/opus", ClockRate: 48000}}},
			want: true,
		},
		{
			name: "clock rate mismatch",
			caps: RTPCapabilities{Codecs: []RTPCodec{{MimeType: "audio/opus", ClockRate: 44100, Channels: 2}}},
			want: false,
		},
		{
			name: "different codec",
			caps: RTPCapabilities{Codecs: []RTPCodec{{MimeType: "audio/PCMU", ClockRate: 8000, Channels: 1}}},
			want: false,
		},
		{
			name: "empty capabilities",
			caps: RTPCapabilities{},
			want: false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := CanConsume(tc.caps, opus); got != tc.want {
				t.Fatalf("CanConsume = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOutTrackStateMachine(t *testing.T) {
	t.Parallel()

	ot := newOutTrack(nil)
	if ot.getState() != trackStateOk {
		t.Fatalf("initial state = %v, want ok", ot.getState())
	}
	ot.markDelete()
	if ot.getState() != trackStateDelete {
		t.Fatalf("state = %v, want delete", ot.getState())
	}
}
