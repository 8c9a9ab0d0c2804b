package room

import (
	"sync"
)

// Conn is the transport side of one participant. Send must not block; it
// enqueues and reports an error when the connection can take no more.
type Conn interface {
	Send(msg []byte) error
	Close() error
}

// Token identifies one joined connection within a room. Tokens are never reused
// by the same room and zero is never issued.
type Token uint64

// Client binds a connection to the identity it joined with.
type Client struct {
	token    Token
	identity string
	conn     Conn

	once sync.Once
	err  error
}

func newClient(token Token, identity string, conn Conn) *Client {
	return &Client{token: token, identity: identity, conn: conn}
}

func (c *Client) Token() Token {
	return c.token
}

func (c *Client) Identity() string {
	return c.identity
}

// Dispose closes the underlying connection. Only the first call does work;
// later calls return the first result.
func (c *Client) Dispose() error {
	c.once.Do(func() {
		c.err = c.conn.Close()
	})
	return c.err
}
