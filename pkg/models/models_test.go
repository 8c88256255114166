package models

import "testing"

func TestSizeMB(t *testing.T) {
	tests := []struct {
		bytes int64
		want  float64
	}{
		{1048576, 1.0},
		{1500000, 1.43},
		{0, 0},
		{18870084, 18.0},
		{5242880 + 5243, 5.01},
	}
	for _, tt := range tests {
		if got := SizeMB(tt.bytes); got != tt.want {
			t.Errorf("SizeMB(%d) = %v, want %v", tt.bytes, got, tt.want)
		}
	}
}

func TestModeRoundTrip(t *testing.T) {
	for _, m := range []Mode{ModeUnknown, ModeRecording, ModePreview, ModePhoto, ModeReview} {
		if got := ParseMode(m.String()); got != m {
			t.Errorf("ParseMode(%q) = %v", m.String(), got)
		}
	}
}

func TestMovieFamily(t *testing.T) {
	if !ModeRecording.MovieFamily() || !ModePreview.MovieFamily() {
		t.Error("recording and preview are movie modes")
	}
	if ModePhoto.MovieFamily() || ModeReview.MovieFamily() || ModeUnknown.MovieFamily() {
		t.Error("photo, review and unknown are not movie modes")
	}
}
