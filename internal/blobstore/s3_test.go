package blobstore

import "testing"

func TestGuessMimetype(t *testing.T) {
	cases := map[string]string{
		"firmware.img":  "application/octet-stream",
		"photo.jpg":     "image/jpeg",
		"photo.jpeg":    "image/jpeg",
		"noextension":   "application/octet-stream",
		"manifest.json": "application/json",
	}
	for name, want := range cases {
		if got := guessMimetype(name); got != want {
			t.Errorf("guessMimetype(%q) = %q, want %q", name, got, want)
		}
	}
}
