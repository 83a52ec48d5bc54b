package producer

import "testing"

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		stored     State
		epoch, seq int64
		want       State
		wantErr    error
	}{
		{"first write ever", State{}, 1, 0, State{Epoch: 1, LastSeq: 0}, nil},
		{"next in sequence", State{Epoch: 1, LastSeq: 5}, 1, 6, State{Epoch: 1, LastSeq: 6}, nil},
		{"stale epoch", State{Epoch: 2, LastSeq: 0}, 1, 0, State{}, ErrStaleEpoch},
		{"duplicate seq", State{Epoch: 1, LastSeq: 5}, 1, 5, State{}, ErrSequenceConflict},
		{"replayed older seq", State{Epoch: 1, LastSeq: 5}, 1, 2, State{}, ErrSequenceConflict},
		{"sequence gap", State{Epoch: 1, LastSeq: 5}, 1, 8, State{}, ErrSequenceGap},
		{"new epoch resets lastSeq", State{Epoch: 1, LastSeq: 99}, 2, 0, State{Epoch: 2, LastSeq: 0}, nil},
		{"new epoch with nonzero seq accepted", State{Epoch: 1, LastSeq: 99}, 5, 42, State{Epoch: 5, LastSeq: 42}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decide(tt.stored, tt.epoch, tt.seq)
			if err != tt.wantErr {
				t.Fatalf("expected err %v, got %v", tt.wantErr, err)
			}
			if err == nil && got != tt.want {
				t.Errorf("expected state %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestDecideIdempotentReplayRejected(t *testing.T) {
	stored := State{Epoch: 1, LastSeq: 5}
	if _, err := Decide(stored, 1, 5); err != ErrSequenceConflict {
		t.Fatalf("replaying (epoch,seq) twice must be rejected the second time, got %v", err)
	}
}
