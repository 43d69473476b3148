package session

// Context is the session-scoped state shared by the message, unread and
// call components: who the local user is, which single conversation is
// open, and whether the single call slot is taken.
//
// Like the components holding it, a Context is only touched from the
// event loop goroutine.
type Context struct {
	userID     string
	activePeer string
	callBusy   bool
}

// NewContext creates a session scope for the given local user.
func NewContext(userID string) *Context {
	return &Context{userID: userID}
}

// UserID returns the local user id.
func (c *Context) UserID() string {
	return c.userID
}

// Activate makes peerID the one open conversation, replacing any other.
func (c *Context) Activate(peerID string) {
	c.activePeer = peerID
}

// Deactivate closes the open conversation.
func (c *Context) Deactivate() {
	c.activePeer = ""
}

// ActivePeer returns the peer of the open conversation.
func (c *Context) ActivePeer() (string, bool) {
	return c.activePeer, c.activePeer != ""
}

// IsActive reports whether peerID's conversation is the open one.
func (c *Context) IsActive(peerID string) bool {
	return peerID != "" && c.activePeer == peerID
}

// ClaimCall takes the single call slot. Returns false if already taken.
func (c *Context) ClaimCall() bool {
	if c.callBusy {
		return false
	}
	c.callBusy = true
	return true
}

// ReleaseCall frees the call slot.
func (c *Context) ReleaseCall() {
	c.callBusy = false
}

// CallBusy reports whether the call slot is taken.
func (c *Context) CallBusy() bool {
	return c.callBusy
}
