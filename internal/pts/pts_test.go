package pts

import "testing"

func TestPutByteAdvancesCursor(t *testing.T) {
	m := NewManager(nil)
	c := m.active
	c.PutByte('A')
	row, col := c.GetCursor()
	if row != 0 || col != 1 {
		t.Fatalf("got row=%d col=%d, want row=0 col=1", row, col)
	}
	if m.Video[0][0].Ch != 'A' {
		t.Fatalf("expected foreground console mirrored to video, got %q", m.Video[0][0].Ch)
	}
}

func TestPutByteNotMirroredWhenBackground(t *testing.T) {
	m := NewManager(nil)
	bg := m.NewConsole(nil)
	bg.PutByte('Z')
	if m.Video[0][0].Ch == 'Z' {
		t.Fatal("background console must not be mirrored to video")
	}
}

func TestSwitchRepaintsVideo(t *testing.T) {
	m := NewManager(nil)
	bg := m.NewConsole(nil)
	bg.PutByte('Z')
	m.Switch(bg)
	if m.Video[0][0].Ch != 'Z' {
		t.Fatal("expected Switch to repaint video from the new foreground console")
	}
}

func TestNewlineScrollsAtBottomRow(t *testing.T) {
	m := NewManager(nil)
	c := m.active
	c.PutByte('X')
	for i := 0; i < 25; i++ {
		c.PutByte('\n')
	}
	row, _ := c.GetCursor()
	if row != 24 {
		t.Fatalf("expected cursor pinned at last row after overflow, got %d", row)
	}
}

func TestBackspaceErasesPriorCell(t *testing.T) {
	m := NewManager(nil)
	c := m.active
	c.PutByte('A')
	c.PutByte('\b')
	row, col := c.GetCursor()
	if row != 0 || col != 0 {
		t.Fatalf("expected cursor back at origin, got row=%d col=%d", row, col)
	}
	if c.mem[0][0].Ch != ' ' {
		t.Fatalf("expected erased cell, got %q", c.mem[0][0].Ch)
	}
}

func TestSetTermColorRejectsOutOfRange(t *testing.T) {
	m := NewManager(nil)
	c := m.active
	if err := c.SetTermColor(-1); err == 0 {
		t.Fatal("expected error for negative color")
	}
	if err := c.SetTermColor(0x12); err != 0 {
		t.Fatalf("unexpected error: %d", err)
	}
	if c.GetTermColor() != 0x12 {
		t.Fatal("expected color to stick")
	}
}

func TestSetCursorRejectsOutOfRange(t *testing.T) {
	m := NewManager(nil)
	c := m.active
	if err := c.SetCursor(100, 0); err == 0 {
		t.Fatal("expected error for out-of-range row")
	}
	if err := c.SetCursor(5, 5); err != 0 {
		t.Fatalf("unexpected error: %d", err)
	}
	row, col := c.GetCursor()
	if row != 5 || col != 5 {
		t.Fatalf("got row=%d col=%d", row, col)
	}
}

func TestGetcharReadsPushedScancode(t *testing.T) {
	m := NewManager(nil)
	c := m.active
	go c.pushScancode('q')
	if ch := c.Getchar(); ch != 'q' {
		t.Fatalf("got %q, want 'q'", ch)
	}
}

func TestReadLineStopsAtNewline(t *testing.T) {
	m := NewManager(nil)
	c := m.active
	go func() {
		for _, b := range []byte("hi\n") {
			c.pushScancode(b)
		}
	}()
	buf := make([]byte, 16)
	n := c.ReadLine(buf)
	if string(buf[:n]) != "hi\n" {
		t.Fatalf("got %q, want %q", buf[:n], "hi\n")
	}
}

func TestReadLineRejectsOversizedBuffer(t *testing.T) {
	m := NewManager(nil)
	c := m.active
	huge := make([]byte, 1<<20)
	if err := c.ReadLine(huge); err == 0 {
		t.Fatal("expected error for buffer exceeding MaxReadline")
	}
}

type fakeGuest struct {
	wants    bool
	injected byte
	got      bool
}

func (g *fakeGuest) WantsKeyboardIRQ() bool { return g.wants }
func (g *fakeGuest) InjectKeyboardIRQ(sc byte) {
	g.injected = sc
	g.got = true
}

func TestKeystrokeDelegatesToPVGuest(t *testing.T) {
	m := NewManager(nil)
	c := m.active
	g := &fakeGuest{wants: true}
	c.AttachPV(g)
	m.Keystroke('k')
	if !g.got || g.injected != 'k' {
		t.Fatal("expected scancode delivered to attached PV guest as an IRQ")
	}
	c.inputLock.Lock()
	empty := c.scRing.empty()
	c.inputLock.Unlock()
	if !empty {
		t.Fatal("scancode delegated to PV guest must not also land in the ring")
	}
}

func TestKeystrokeFallsBackToRingWhenNoGuestWants(t *testing.T) {
	m := NewManager(nil)
	c := m.active
	g := &fakeGuest{wants: false}
	c.AttachPV(g)
	m.Keystroke('k')
	if ch := c.Getchar(); ch != 'k' {
		t.Fatalf("got %q, want 'k'", ch)
	}
}

func TestPrintAtRestoresCursorAndColor(t *testing.T) {
	m := NewManager(nil)
	c := m.active
	c.SetCursor(3, 3)
	c.SetTermColor(0x20)
	if err := c.PrintAt([]byte("hi"), 0, 0, 0x30); err != 0 {
		t.Fatalf("unexpected error: %d", err)
	}
	row, col := c.GetCursor()
	if row != 3 || col != 3 {
		t.Fatalf("expected cursor restored to (3,3), got (%d,%d)", row, col)
	}
	if c.GetTermColor() != 0x20 {
		t.Fatal("expected color restored")
	}
	if c.mem[0][0].Ch != 'h' || c.mem[0][0].Color != 0x30 {
		t.Fatal("expected PrintAt to have written at the requested position/color")
	}
}
