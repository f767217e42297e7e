// Package pts implements SPEC_FULL.md §4.I: the console/keyboard
// multiplexer. Each Console owns a back-buffer that is mirrored to
// "physical video memory" only while it is the foreground console
// (guarded by the Manager's physLock, matching pts_lock); a keyboard
// scancode is either delivered as a PV IRQ to an attached guest or
// appended to the foreground console's scancode ring and its readers
// woken, matching kern/kbd.c's kbd_handler_real/do_readline/do_getchar
// and kern/inc/pts.h's pts_t layout.
//
// Scancode-to-character translation (kh_type/process_scancode in the
// original) is an imported course-provided library out of this spec's
// scope (spec.md §1 names "the legacy PIC/PIT/CRTC register layouts"
// as an external collaborator in the same vein); it is abstracted here
// behind the Decoder interface so the ring/FIFO logic that *is* in
// scope can be exercised without a real 8042 controller.
package pts

import (
	"golang.org/x/text/encoding/charmap"

	"github.com/Nagi5Yeq/pebpeb-os/internal/config"
	"github.com/Nagi5Yeq/pebpeb-os/internal/defs"
	"github.com/Nagi5Yeq/pebpeb-os/internal/ksync"
)

// Cell is one character cell of a console's back-buffer, matching
// a_char_on_screen_t.
type Cell struct {
	Ch    byte
	Color byte
}

// DefaultColor matches the original's default light-grey-on-black.
const DefaultColor = 0x07

// Decoder turns a raw scancode byte into a decoded character, standing
// in for the imported keyhelp library's process_scancode. HasData
// reports whether the scancode produced a character (key-up events and
// multi-byte prefixes do not).
type Decoder interface {
	Decode(scancode byte) (ch byte, hasData bool)
}

// IdentityDecoder is the default Decoder used when the kernel is run
// under this host simulation rather than atop a real keyboard
// controller: it treats every scancode byte as an already-resolved
// ASCII character, which is sufficient for driving the line discipline
// end to end in tests and the hosted demo.
type IdentityDecoder struct{}

func (IdentityDecoder) Decode(sc byte) (byte, bool) { return sc, sc != 0 }

// byteRing is a fixed-capacity circular buffer of bytes, adapted from
// the teacher's circbuf package with the fdops.Userio_i/mem.Page_i
// plumbing stripped out: PTS rings are plain kernel buffers filled a
// byte at a time by an ISR or line-discipline loop, never handed a
// user-memory source/sink directly the way a file descriptor's circbuf
// is.
type byteRing struct {
	buf        []byte
	r, w       int
}

func newByteRing(size int) *byteRing {
	return &byteRing{buf: make([]byte, size)}
}

func (rb *byteRing) empty() bool { return rb.r == rb.w }
func (rb *byteRing) full() bool  { return (rb.w+1)%len(rb.buf) == rb.r }

func (rb *byteRing) push(b byte) bool {
	if rb.full() {
		return false
	}
	rb.buf[rb.w] = b
	rb.w = (rb.w + 1) % len(rb.buf)
	return true
}

func (rb *byteRing) pop() (byte, bool) {
	if rb.empty() {
		return 0, false
	}
	b := rb.buf[rb.r]
	rb.r = (rb.r + 1) % len(rb.buf)
	return b, true
}

// unpop drops the byte most recently pushed at the ring's write end,
// used by backspace handling to delete the most recently queued
// character.
func (rb *byteRing) unpop() {
	rb.w = (rb.w - 1 + len(rb.buf)) % len(rb.buf)
}

func (rb *byteRing) hasNewline() bool {
	for i := rb.r; i != rb.w; i = (i + 1) % len(rb.buf) {
		if rb.buf[i] == '\n' {
			return true
		}
	}
	return false
}

// PVIRQTarget is implemented by a PV guest attached to a console; the
// keyboard path checks it before queueing a scancode for line
// discipline, matching §4.I's "if the foreground PTS has at least one
// PV guest attached with unmasked vIF and an installed keyboard vIDT
// entry, the augmented key is delivered as a PV IRQ."
type PVIRQTarget interface {
	WantsKeyboardIRQ() bool
	InjectKeyboardIRQ(scancode byte)
}

// kbdRequest is one FIFO entry in a console's getchar/readline queue,
// matching kbd_request_t; turn is a channel closed when the request
// reaches the head and may proceed.
type kbdRequest struct {
	turn chan struct{}
}

// Console is one virtual terminal: a back-buffer, cursor state, its
// own scancode/character rings, and the getchar/readline request FIFO,
// matching pts_t.
type Console struct {
	mgr *Manager

	mu       *ksync.Mutex
	mem      [config.ConsoleHeight][config.ConsoleWidth]Cell
	curX     int
	curY     int
	curColor byte

	refcount int

	decoder Decoder

	inputLock *ksync.Mutex
	inputCV   *ksync.CV
	scRing    *byteRing

	chrRing *byteRing

	kbdReqLock *ksync.Mutex
	kbdReqCV   *ksync.CV
	reqs       []*kbdRequest

	pvGuests []PVIRQTarget
}

func newConsole(mgr *Manager, decoder Decoder) *Console {
	if decoder == nil {
		decoder = IdentityDecoder{}
	}
	c := &Console{
		mgr:        mgr,
		mu:         ksync.NewMutex(nil),
		curColor:   DefaultColor,
		refcount:   1,
		decoder:    decoder,
		inputLock:  ksync.NewMutex(nil),
		inputCV:    ksync.NewCV(nil),
		scRing:     newByteRing(config.KbdRingSize),
		chrRing:    newByteRing(config.ChrRingSize),
		kbdReqLock: ksync.NewMutex(nil),
		kbdReqCV:   ksync.NewCV(nil),
	}
	return c
}

// Ref/Unref implement proc.ConsoleBinding.
func (c *Console) Ref() {
	c.mu.Lock()
	c.refcount++
	c.mu.Unlock()
}

func (c *Console) Unref() {
	c.mu.Lock()
	c.refcount--
	c.mu.Unlock()
}

// AttachPV/DetachPV record a PV guest as a keyboard-IRQ candidate on
// this console.
func (c *Console) AttachPV(g PVIRQTarget) {
	c.mu.Lock()
	c.pvGuests = append(c.pvGuests, g)
	c.mu.Unlock()
}

func (c *Console) DetachPV(g PVIRQTarget) {
	c.mu.Lock()
	for i, o := range c.pvGuests {
		if o == g {
			c.pvGuests = append(c.pvGuests[:i], c.pvGuests[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// wantsIRQ reports whether some attached PV guest will accept the next
// scancode as an injected IRQ, and if so, delivers it and reports true.
func (c *Console) wantsIRQ(sc byte) bool {
	c.mu.Lock()
	guests := append([]PVIRQTarget(nil), c.pvGuests...)
	c.mu.Unlock()
	for _, g := range guests {
		if g.WantsKeyboardIRQ() {
			g.InjectKeyboardIRQ(sc)
			return true
		}
	}
	return false
}

// scrollUp moves every row up by one, blanking the last row, matching
// putbytes' "screen scrolls up one line" behavior.
func (c *Console) scrollUp() {
	for y := 1; y < config.ConsoleHeight; y++ {
		c.mem[y-1] = c.mem[y]
	}
	for x := 0; x < config.ConsoleWidth; x++ {
		c.mem[config.ConsoleHeight-1][x] = Cell{Ch: ' ', Color: c.curColor}
	}
}

func (c *Console) advanceLine() {
	c.curX = 0
	c.curY++
	if c.curY == config.ConsoleHeight {
		c.scrollUp()
		c.curY = config.ConsoleHeight - 1
	}
}

// putByteLocked writes one character at the cursor, handling \n, \r
// and \b per pts_putbyte's documented behavior. Caller holds c.mu.
func (c *Console) putByteLocked(ch byte) {
	switch ch {
	case '\n':
		c.advanceLine()
	case '\r':
		c.curX = 0
	case '\b':
		if c.curX > 0 {
			c.curX--
			c.mem[c.curY][c.curX] = Cell{Ch: ' ', Color: c.curColor}
		} else if c.curY > 0 {
			c.curY--
			c.curX = config.ConsoleWidth - 1
			c.mem[c.curY][c.curX] = Cell{Ch: ' ', Color: c.curColor}
		}
	default:
		c.mem[c.curY][c.curX] = Cell{Ch: ch, Color: c.curColor}
		c.curX++
		if c.curX == config.ConsoleWidth {
			c.advanceLine()
		}
	}
}

// PutByte writes ch at the cursor and mirrors to physical memory if
// this console is foreground, matching pts_putbyte.
func (c *Console) PutByte(ch byte) byte {
	c.mu.Lock()
	c.putByteLocked(ch)
	c.mu.Unlock()
	c.mgr.mirror(c)
	return ch
}

// PutBytes writes s at the cursor in order, matching pts_putbytes.
func (c *Console) PutBytes(s []byte) {
	if len(s) <= 0 {
		return
	}
	c.mu.Lock()
	for _, b := range s {
		c.putByteLocked(b)
	}
	c.mu.Unlock()
	c.mgr.mirror(c)
}

// validColor mirrors the original's range check on a VGA-style
// attribute byte (foreground/background nibbles, no reserved bits).
func validColor(color int) bool { return color >= 0 && color <= 0xff }

// SetTermColor implements pts_set_term_color.
func (c *Console) SetTermColor(color int) defs.Err_t {
	if !validColor(color) {
		return -defs.EINVAL
	}
	c.mu.Lock()
	c.curColor = byte(color)
	c.mu.Unlock()
	return 0
}

// GetTermColor implements pts_get_term_color.
func (c *Console) GetTermColor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.curColor)
}

func validCursor(row, col int) bool {
	return row >= 0 && row < config.ConsoleHeight && col >= 0 && col < config.ConsoleWidth
}

// SetCursor implements pts_set_cursor.
func (c *Console) SetCursor(row, col int) defs.Err_t {
	if !validCursor(row, col) {
		return -defs.EINVAL
	}
	c.mu.Lock()
	c.curY, c.curX = row, col
	c.mu.Unlock()
	c.mgr.moveCursor(c)
	return 0
}

// GetCursor implements pts_get_cursor.
func (c *Console) GetCursor() (row, col int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curY, c.curX
}

// PrintAt implements pts_print_at: temporarily moves the cursor,
// prints s in color, then restores the prior cursor position and
// color.
func (c *Console) PrintAt(s []byte, row, col, color int) defs.Err_t {
	if !validCursor(row, col) || !validColor(color) {
		return -defs.EINVAL
	}
	c.mu.Lock()
	savedY, savedX, savedColor := c.curY, c.curX, c.curColor
	c.curY, c.curX, c.curColor = row, col, byte(color)
	for _, b := range s {
		c.putByteLocked(b)
	}
	c.curY, c.curX, c.curColor = savedY, savedX, savedColor
	c.mu.Unlock()
	c.mgr.mirror(c)
	return 0
}

// glyph decodes a raw screen byte for host-side rendering, using the
// CP437 table for the box-drawing range readline's erase-to-end-of-line
// redraw can emit; ASCII bytes pass through the same path since CP437
// is ASCII-compatible below 0x80.
func glyph(b byte) rune {
	out, err := charmap.CodePage437.NewDecoder().Bytes([]byte{b})
	if err != nil || len(out) == 0 {
		return rune(b)
	}
	r := []rune(string(out))
	return r[0]
}

// pushScancode is called by the keyboard ISR (via Manager.Keystroke)
// once it has decided the key is not being delivered as a PV IRQ: it
// appends sc to the scancode ring and wakes any sc_process waiters,
// matching kbd_handler_real's ring-buffer path.
func (c *Console) pushScancode(sc byte) {
	c.inputLock.Lock()
	c.scRing.push(sc)
	c.inputLock.Unlock()
	c.inputCV.Signal()
}

// scProcess blocks until a scancode decodes to a character, matching
// sc_process.
func (c *Console) scProcess() byte {
	for {
		c.inputLock.Lock()
		for c.scRing.empty() {
			c.inputCV.Wait(c.inputLock)
		}
		sc, _ := c.scRing.pop()
		c.inputLock.Unlock()
		if ch, ok := c.decoder.Decode(sc); ok {
			return ch
		}
	}
}

// enqueueRequest joins the per-console kbd FIFO and blocks until this
// request reaches the head, matching do_readline/do_getchar's shared
// "wait until our turn" prologue.
func (c *Console) enqueueRequest() *kbdRequest {
	req := &kbdRequest{turn: make(chan struct{})}
	c.kbdReqLock.Lock()
	c.reqs = append(c.reqs, req)
	head := c.reqs[0] == req
	c.kbdReqLock.Unlock()
	if head {
		close(req.turn)
	} else {
		<-req.turn
	}
	return req
}

func (c *Console) dequeueRequest(req *kbdRequest) {
	c.kbdReqLock.Lock()
	for i, r := range c.reqs {
		if r == req {
			c.reqs = append(c.reqs[:i], c.reqs[i+1:]...)
			break
		}
	}
	if len(c.reqs) > 0 {
		next := c.reqs[0]
		c.kbdReqLock.Unlock()
		close(next.turn)
		return
	}
	c.kbdReqLock.Unlock()
}

// Getchar implements do_getchar.
func (c *Console) Getchar() byte {
	req := c.enqueueRequest()
	var result byte
	c.inputLock.Lock()
	if b, ok := c.chrRing.pop(); ok {
		result = b
		c.inputLock.Unlock()
	} else {
		c.inputLock.Unlock()
		result = c.scProcess()
	}
	c.dequeueRequest(req)
	return result
}

// ReadLine implements do_readline: consumes cooked characters from the
// char ring (blocking on scProcess as needed), echoing each and
// honoring backspace within the current line, until a newline is seen
// or the ring fills, then flushes up to len(buf) bytes.
func (c *Console) ReadLine(buf []byte) defs.Err_t {
	if len(buf) > config.MaxReadline {
		return -defs.EINVAL
	}
	if len(buf) == 0 {
		return 0
	}
	req := c.enqueueRequest()
	defer c.dequeueRequest(req)

	c.inputLock.Lock()
	shouldFlush := !c.chrRing.empty() && (c.chrRing.hasNewline() || c.chrRing.full())
	c.inputLock.Unlock()

	for !shouldFlush {
		ch := c.scProcess()
		c.inputLock.Lock()
		if ch == '\b' {
			if !c.chrRing.empty() {
				c.PutByte('\b')
				c.chrRing.unpop()
			}
		} else {
			c.chrRing.push(ch)
			c.PutByte(ch)
			shouldFlush = ch == '\n' || c.chrRing.full()
		}
		c.inputLock.Unlock()
	}

	c.inputLock.Lock()
	n := 0
	for n < len(buf) {
		b, ok := c.chrRing.pop()
		if !ok {
			break
		}
		buf[n] = b
		n++
		if b == '\n' {
			break
		}
	}
	c.inputLock.Unlock()
	return defs.Err_t(n)
}

// Manager multiplexes consoles: exactly one is foreground at a time,
// and only the foreground console's back-buffer is mirrored to
// physical video memory, guarded by physLock, matching the global
// pts_lock/active_pts pair.
type Manager struct {
	physLock *ksync.Spinlock

	active    *Console
	consoles  []*Console

	// Video is the simulated physical video memory: Video[y][x] mirrors
	// the foreground console's back-buffer cell. A freestanding build
	// points this at the real VGA text-mode segment instead.
	Video [config.ConsoleHeight][config.ConsoleWidth]Cell
	// CursorRow/CursorCol mirror the hardware cursor position.
	CursorRow, CursorCol int
}

// NewManager creates a Manager with one foreground console.
func NewManager(decoder Decoder) *Manager {
	m := &Manager{physLock: ksync.NewSpinlock(nil)}
	first := newConsole(m, decoder)
	m.consoles = []*Console{first}
	m.active = first
	return m
}

// NewConsole creates a fresh console attached to this manager but does
// not switch to it, matching sys_new_console_real's pts_init + refcount
// bookkeeping (switch_pts is a separate, explicit step there too).
func (m *Manager) NewConsole(decoder Decoder) *Console {
	c := newConsole(m, decoder)
	old := m.physLock.Lock()
	m.consoles = append(m.consoles, c)
	m.physLock.Unlock(old)
	return c
}

// Switch repaints physical memory from p's back-buffer and retargets
// the cursor, matching switch_pts.
func (m *Manager) Switch(p *Console) {
	old := m.physLock.Lock()
	m.active = p
	p.mu.Lock()
	m.Video = p.mem
	m.CursorRow, m.CursorCol = p.curY, p.curX
	p.mu.Unlock()
	m.physLock.Unlock(old)
}

// mirror repaints physical memory from c's back-buffer if c is
// presently foreground.
func (m *Manager) mirror(c *Console) {
	old := m.physLock.Lock()
	if m.active == c {
		c.mu.Lock()
		m.Video = c.mem
		m.CursorRow, m.CursorCol = c.curY, c.curX
		c.mu.Unlock()
	}
	m.physLock.Unlock(old)
}

func (m *Manager) moveCursor(c *Console) {
	old := m.physLock.Lock()
	if m.active == c {
		row, col := c.GetCursor()
		m.CursorRow, m.CursorCol = row, col
	}
	m.physLock.Unlock(old)
}

// Keystroke is the keyboard ISR entry point: it decides whether the
// scancode is delivered as a PV IRQ to the foreground console's
// attached guest, or queued for line discipline, matching kbd.c's
// kbd_handler_real plus §4.I's PV-delegation rule.
func (m *Manager) Keystroke(sc byte) {
	old := m.physLock.Lock()
	fg := m.active
	m.physLock.Unlock(old)
	if fg == nil {
		return
	}
	if fg.wantsIRQ(sc) {
		return
	}
	fg.pushScancode(sc)
}
