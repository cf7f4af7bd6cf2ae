package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirLayout(t *testing.T) {
	d := Dir("main")
	if !strings.HasSuffix(d, filepath.Join(".vichat", "profiles", "main")) {
		t.Errorf("Dir = %q, want .vichat/profiles/main suffix", d)
	}
	if got := TokenPath("main"); got != filepath.Join(d, "token") {
		t.Errorf("TokenPath = %q", got)
	}
	if got := LockPath("main"); got != filepath.Join(d, "LOCK") {
		t.Errorf("LockPath = %q", got)
	}
	if got := LogPath("main"); got != filepath.Join(d, "logs", "vichatd.log") {
		t.Errorf("LogPath = %q", got)
	}
}

func TestSessionTokenPathOutsideProfileDir(t *testing.T) {
	p := SessionTokenPath("main")
	if strings.HasPrefix(p, BaseDir()) {
		t.Errorf("session token path %q must not live under the profile base dir", p)
	}
	if !strings.HasPrefix(p, os.TempDir()) {
		t.Errorf("session token path %q should live under the temp dir", p)
	}
}
