package signal

import (
	"fmt"
	"slices"

	"peerlink/native/internal/httpx"
)

// outQueue holds the messages for one destination. Only the head is ever
// on the wire.
type outQueue struct {
	peer     int
	items    [][]byte
	inFlight bool
}

func (c *Client) enqueue(peer int, payload []byte) {
	if c.state != Connected {
		c.log.Warnf("send to %d while %s", peer, c.state)
		c.observer.OnMessageSent(peer, httpx.GenericFailure)
		return
	}

	q, ok := c.outbox[peer]
	if !ok {
		q = &outQueue{peer: peer}
		c.outbox[peer] = q
	}
	q.items = append(q.items, payload)
	c.pump(q)
}

func (c *Client) pump(q *outQueue) {
	if q.inFlight || len(q.items) == 0 {
		return
	}
	q.inFlight = true

	uri := fmt.Sprintf("%s/message?peer_id=%d&to=%d", c.base, c.id, q.peer)
	req := httpx.Post(uri, c.header(), q.items[0])
	c.http.Do(req, func(res httpx.Result) { c.onSent(q, res) })
}

func (c *Client) onSent(q *outQueue, res httpx.Result) {
	q.inFlight = false
	q.items = q.items[1:]

	code := res.Code
	if code == httpx.Success && !res.OK() {
		code = httpx.GenericFailure
	}
	if code != httpx.Success {
		c.log.Warnf("message to %d: %s (status %d)", q.peer, res.Code, res.Status)
	}
	c.observer.OnMessageSent(q.peer, code)

	if c.outbox[q.peer] != q || c.state != Connected {
		return
	}
	if len(q.items) == 0 {
		delete(c.outbox, q.peer)
		return
	}
	c.pump(q)
}

// flushOutbox fails every message that has not been handed to the
// transport and detaches the queues, so in-flight sends complete without
// starting the next one.
func (c *Client) flushOutbox() {
	peers := make([]int, 0, len(c.outbox))
	for peer := range c.outbox {
		peers = append(peers, peer)
	}
	slices.Sort(peers)

	for _, peer := range peers {
		q := c.outbox[peer]
		delete(c.outbox, peer)

		pending := q.items
		if q.inFlight {
			pending = pending[1:]
			q.items = q.items[:1]
		} else {
			q.items = nil
		}
		for range pending {
			c.observer.OnMessageSent(peer, httpx.GenericFailure)
		}
	}
}
