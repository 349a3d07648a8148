package server

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

func (s *Server) signIn(c *gin.Context) {
	name, err := url.QueryUnescape(c.Request.URL.RawQuery)
	if err != nil || strings.TrimSpace(name) == "" || strings.ContainsAny(name, ",\r\n") {
		c.String(http.StatusBadRequest, "invalid name")
		return
	}

	m, lines, err := s.hub.join(name)
	if errors.Is(err, errNameTaken) {
		c.String(http.StatusConflict, err.Error())
		return
	}

	s.log.Infof("%s signed in as %d", name, m.id)
	c.Header("Pragma", strconv.Itoa(m.id))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(strings.Join(lines, "\n")+"\n"))
}

// member resolves the peer_id query parameter.
func (s *Server) member(c *gin.Context) (*member, bool) {
	id, err := strconv.Atoi(c.Query("peer_id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid peer_id")
		return nil, false
	}
	m, ok := s.hub.lookup(id)
	if !ok {
		c.String(http.StatusNotFound, "unknown peer")
		return nil, false
	}
	return m, true
}

// wait holds an event stream open for the peer. Identity transfer encoding
// makes net/http skip chunking and close the connection when the stream
// ends.
func (s *Server) wait(c *gin.Context) {
	m, ok := s.member(c)
	if !ok {
		return
	}

	c.Header("Transfer-Encoding", "identity")
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	keepalive := time.NewTicker(s.cfg.Keepalive)
	defer keepalive.Stop()

	for {
		for _, n := range s.hub.drain(m) {
			c.Render(-1, sse.Event{Id: n.id, Event: n.event, Data: n.data})
		}
		c.Writer.Flush()

		select {
		case <-m.notify:
		case <-keepalive.C:
			s.hub.touch(m.id)
			if _, err := io.WriteString(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
		case <-m.gone:
			return
		case <-c.Request.Context().Done():
			s.log.Debugf("peer %d dropped its stream", m.id)
			return
		}
	}
}

func (s *Server) message(c *gin.Context) {
	m, ok := s.member(c)
	if !ok {
		return
	}
	to, err := strconv.Atoi(c.Query("to"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid to")
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "unreadable body")
		return
	}

	if err := s.hub.deliver(m.id, to, body); err != nil {
		c.String(http.StatusNotFound, err.Error())
		return
	}
	c.String(http.StatusOK, "OK")
}

func (s *Server) heartbeat(c *gin.Context) {
	m, ok := s.member(c)
	if !ok {
		return
	}
	s.hub.touch(m.id)
	c.String(http.StatusOK, "OK")
}

func (s *Server) signOut(c *gin.Context) {
	m, ok := s.member(c)
	if !ok {
		return
	}
	s.hub.leave(m.id)
	s.log.Infof("%s (%d) signed out", m.name, m.id)
	c.String(http.StatusOK, "OK")
}

func (s *Server) turnCredentials(c *gin.Context) {
	creds, err := s.turn.issue("")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, creds)
}
