package sensor

import "testing"

func TestFootprintFromSceneID(t *testing.T) {
	cases := []struct {
		sceneID string
		want    string
	}{
		{"S2A_MSIL1C_20260815T103031_N0511_R108_T32UQD_20260815T123456", "T32UQD"},
		{"S2B_MSIL1C_20260816T103031_N0511_R108_T29UNV_20260816T123456", "T29UNV"},
		{"no_tile_token_here", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := footprintFromSceneID(c.sceneID); got != c.want {
			t.Fatalf("footprintFromSceneID(%q) = %q, want %q", c.sceneID, got, c.want)
		}
	}
}
