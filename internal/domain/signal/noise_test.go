package signal

import (
	"testing"

	"github.com/miosa-osa/osa/internal/domain/entity"
)

func TestNoiseFilter_ShouldDrop(t *testing.T) {
	f := NewNoiseFilter(0.2)

	cases := []struct {
		name    string
		sig     entity.Signal
		message string
		want    bool
	}{
		{
			name:    "short thanks is noise",
			sig:     entity.Signal{Genre: entity.GenreExpress, Format: entity.FormatMessage, Weight: 0.05},
			message: "thanks!",
			want:    true,
		},
		{
			name:    "short fyi is noise",
			sig:     entity.Signal{Genre: entity.GenreInform, Format: entity.FormatMessage, Weight: 0.1},
			message: "fyi deploy done",
			want:    true,
		},
		{
			name:    "high weight survives regardless of genre",
			sig:     entity.Signal{Genre: entity.GenreExpress, Format: entity.FormatMessage, Weight: 0.6},
			message: "thanks!",
			want:    false,
		},
		{
			name:    "command format never drops",
			sig:     entity.Signal{Genre: entity.GenreExpress, Format: entity.FormatCommand, Weight: 0.05},
			message: "/status",
			want:    false,
		},
		{
			name:    "directive genre never drops",
			sig:     entity.Signal{Genre: entity.GenreDirect, Format: entity.FormatMessage, Weight: 0.1},
			message: "hm do it",
			want:    false,
		},
		{
			name:    "long informative message survives",
			sig:     entity.Signal{Genre: entity.GenreInform, Format: entity.FormatMessage, Weight: 0.1},
			message: "heads up the staging database migration finished without errors tonight",
			want:    false,
		},
		{
			name:    "weight exactly at threshold survives",
			sig:     entity.Signal{Genre: entity.GenreExpress, Format: entity.FormatMessage, Weight: 0.2},
			message: "ok",
			want:    false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.ShouldDrop(tc.sig, tc.message); got != tc.want {
				t.Errorf("ShouldDrop = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNoiseFilter_SetThreshold(t *testing.T) {
	f := NewNoiseFilter(0.2)
	sig := entity.Signal{Genre: entity.GenreExpress, Format: entity.FormatMessage, Weight: 0.3}

	if f.ShouldDrop(sig, "nice") {
		t.Fatal("weight 0.3 should survive threshold 0.2")
	}

	f.SetThreshold(0.5)
	if !f.ShouldDrop(sig, "nice") {
		t.Error("weight 0.3 should drop after raising threshold to 0.5")
	}

	f.SetThreshold(0) // ignored
	if !f.ShouldDrop(sig, "nice") {
		t.Error("zero threshold update must be ignored")
	}
}
