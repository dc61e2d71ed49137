package stage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
	audiomock "github.com/MrWong99/voxrelay/pkg/audio/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxrelay/pkg/provider/tts/mock"
)

func startEgress(t *testing.T) (*audio.Egress, *audiomock.Sink) {
	t.Helper()
	sink := &audiomock.Sink{}
	e := audio.NewEgress()
	e.SetSink(sink)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e, sink
}

func TestSynthesis_FramesInOrder(t *testing.T) {
	egress, sink := startEgress(t)
	p := &ttsmock.Provider{FramesPerFragment: 2, FrameBytes: 640}
	c := newCollector()

	s := StartSynthesis(context.Background(), "turn-1", p, egress, SynthesisConfig{Timeout: time.Second, Retry: fastRetry(3)}, c.post)
	s.Send("One.")
	s.Send("Two.")
	s.Send("  ")
	s.Send("Three.")
	s.Close()

	evs := c.untilTerminal(t)
	checkSeq(t, evs)
	if got := types(evs); len(got) != 2 || got[0] != EventStarted || got[1] != EventComplete {
		t.Fatalf("events = %v", got)
	}

	frames := sink.Frames()
	want := []byte{1, 1, 2, 2, 3, 3}
	if len(frames) != len(want) {
		t.Fatalf("sink received %d frames, want %d", len(frames), len(want))
	}
	for i, f := range frames {
		if f.Data[0] != want[i] {
			t.Errorf("frame %d carries fragment %d, want %d", i, f.Data[0], want[i])
		}
		if len(f.Data) != 640 || f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame %d = %d bytes %d Hz %d ch", i, len(f.Data), f.SampleRate, f.Channels)
		}
	}
	if got := p.Streams[0].Texts(); len(got) != 3 {
		t.Errorf("provider received %q", got)
	}
}

func TestSynthesis_NoFramesAfterCancel(t *testing.T) {
	egress, sink := startEgress(t)
	p := &ttsmock.Provider{FramesPerFragment: 100, Delay: 5 * time.Millisecond}
	c := newCollector()

	s := StartSynthesis(context.Background(), "turn-1", p, egress, SynthesisConfig{Retry: fastRetry(3)}, c.post)
	s.Send("This is a very long sentence.")
	s.Close()
	c.next(t, EventStarted)

	s.Handle().Cancel()
	egress.Interrupt("turn-1", audio.TurnCancelled)
	n := sink.Len()
	time.Sleep(100 * time.Millisecond)
	if got := sink.Len(); got != n {
		t.Errorf("%d frames reached the sink after cancel", got-n)
	}
	c.quiet(t, 50*time.Millisecond)
}

func TestSynthesis_RejectedVoice(t *testing.T) {
	egress, _ := startEgress(t)
	p := &ttsmock.Provider{StartErr: fmt.Errorf("unknown voice: %w", tts.ErrRejected)}
	c := newCollector()

	s := StartSynthesis(context.Background(), "turn-1", p, egress, SynthesisConfig{Retry: fastRetry(3)}, c.post)
	s.Send("Hello.")
	s.Close()

	evs := c.untilTerminal(t)
	last := evs[len(evs)-1]
	if last.Type != EventFailed || last.Err.Reason != ReasonRejected {
		t.Fatalf("terminal = %v %+v", last.Type, last.Err)
	}
}

func TestSynthesis_FirstAudioTimeout(t *testing.T) {
	egress, _ := startEgress(t)
	p := &ttsmock.Provider{Delays: []time.Duration{10 * time.Second}}
	c := newCollector()

	s := StartSynthesis(context.Background(), "turn-1", p, egress, SynthesisConfig{Timeout: 50 * time.Millisecond, Retry: fastRetry(1)}, c.post)
	s.Send("Hello.")

	evs := c.untilTerminal(t)
	last := evs[len(evs)-1]
	if last.Type != EventFailed || last.Err.Reason != ReasonTimeout {
		t.Fatalf("terminal = %v %+v", last.Type, last.Err)
	}
}

func TestSynthesis_EmptyReply(t *testing.T) {
	egress, sink := startEgress(t)
	p := &ttsmock.Provider{}
	c := newCollector()

	s := StartSynthesis(context.Background(), "turn-1", p, egress, SynthesisConfig{Retry: fastRetry(1)}, c.post)
	s.Close()

	evs := c.untilTerminal(t)
	if len(evs) != 1 || evs[0].Type != EventComplete {
		t.Fatalf("events = %v", types(evs))
	}
	if sink.Len() != 0 {
		t.Errorf("sink received %d frames", sink.Len())
	}
}

func TestFramer(t *testing.T) {
	mono16k := audio.Format{SampleRate: 16000, Channels: 1}

	t.Run("splits and carries", func(t *testing.T) {
		f := newFramer(mono16k, mono16k, 20*time.Millisecond)
		frames := f.push(make([]byte, 1001))
		if len(frames) != 1 || len(frames[0].Data) != 640 {
			t.Fatalf("frames = %d", len(frames))
		}
		frames = f.push(make([]byte, 279))
		if len(frames) != 1 {
			t.Fatalf("second push gave %d frames, want 1", len(frames))
		}
		if frames[0].Timestamp != 20*time.Millisecond {
			t.Errorf("timestamp = %v, want 20ms", frames[0].Timestamp)
		}
		if _, ok := f.flush(); ok {
			t.Error("flush returned data after an exact split")
		}
	})

	t.Run("converts format", func(t *testing.T) {
		stereo48k := audio.Format{SampleRate: 48000, Channels: 2}
		f := newFramer(stereo48k, mono16k, 20*time.Millisecond)
		frames := f.push(make([]byte, stereo48k.BytesPer(40*time.Millisecond)))
		if len(frames) != 2 {
			t.Fatalf("frames = %d, want 2", len(frames))
		}
		for _, fr := range frames {
			if fr.SampleRate != 16000 || fr.Channels != 1 || len(fr.Data) != 640 {
				t.Errorf("frame = %d bytes %d Hz %d ch", len(fr.Data), fr.SampleRate, fr.Channels)
			}
		}
	})
}
