package node

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/xmaslo/log-signing-mpc/internal/save"
	"github.com/xmaslo/log-signing-mpc/pkg/signer"
)

// Ceremony deadlines. Keygen exchanges far more rounds and Paillier
// material than a signing ceremony, so it gets more time.
const (
	keygenTimeout = 5 * time.Minute
	signTimeout   = 2 * time.Minute
)

// Router builds the HTTP surface of the node.
func Router(n *Node) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.POST("/receive_broadcast/:room", n.handleReceiveBroadcast)
	r.POST("/key_gen/:room", n.handleKeygen)
	r.POST("/sign/:room", n.handleSign)
	r.POST("/verify", n.handleVerify)
	r.GET("/public_key", n.handlePublicKey)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		log.Infof("request %s: %s %s", id, c.Request.Method, c.Request.URL.Path)
		c.Next()
		log.Infof("request %s: finished with status %d", id, c.Writer.Status())
	}
}

// handleReceiveBroadcast feeds a peer's envelope into the matching
// room. Messages for unknown rooms are dropped: the sender fires and
// forgets, a late message for a torn-down session is not an error.
func (n *Node) handleReceiveBroadcast(c *gin.Context) {
	room := c.Param("room")
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "unreadable body")
		return
	}
	r, ok := n.registry.GetRoom(room)
	if !ok {
		log.Infof("no room %s registered, dropping a message", room)
		c.Status(http.StatusOK)
		return
	}
	r.Receive(string(body))
	c.Status(http.StatusOK)
}

// handleKeygen runs key generation. The body lists the other parties'
// base URLs, comma separated, in the same order on every server.
func (n *Node) handleKeygen(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "unreadable body")
		return
	}
	peerURLs := strings.Split(strings.TrimSpace(string(body)), ",")

	ctx, cancel := context.WithTimeout(c.Request.Context(), keygenTimeout)
	defer cancel()
	if err := n.Keygen(ctx, c.Param("room"), peerURLs); err != nil {
		log.Errorf("key generation in room %s: %v", c.Param("room"), err)
		c.String(statusFor(err), err.Error())
		return
	}
	publicKey, err := n.PublicKey("")
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.String(http.StatusOK, publicKey)
}

func (n *Node) handleSign(c *gin.Context) {
	var req SignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "malformed signing request: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), signTimeout)
	defer cancel()
	signature, err := n.Sign(ctx, c.Param("room"), &req)
	if err != nil {
		log.Errorf("signing in room %s: %v", c.Param("room"), err)
		c.String(statusFor(err), err.Error())
		return
	}
	c.String(http.StatusOK, signature)
}

// handleVerify checks a signature. The body is three comma separated
// fields: the hex of the serialized signature, the hex of the signed
// data, and the timestamp it was signed with.
func (n *Node) handleVerify(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "unreadable body")
		return
	}
	fields := strings.Split(strings.TrimSpace(string(body)), ",")
	if len(fields) != 3 {
		c.String(http.StatusBadRequest, "expected sig_hex,data_hex,timestamp")
		return
	}
	valid, err := n.Verify(fields[0], fields[1], fields[2])
	if err != nil {
		c.String(statusFor(err), err.Error())
		return
	}
	if !valid {
		c.String(http.StatusBadRequest, "signature is not valid")
		return
	}
	c.String(http.StatusOK, "signature is valid")
}

func (n *Node) handlePublicKey(c *gin.Context) {
	publicKey, err := n.PublicKey(c.Query("path"))
	if err != nil {
		c.String(statusFor(err), err.Error())
		return
	}
	c.String(http.StatusOK, publicKey)
}

// statusFor maps the service's error taxonomy onto HTTP statuses:
// request defects are 4xx, everything else is a server-side failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, signer.ErrQuorumSize),
		errors.Is(err, signer.ErrSelfParticipant),
		errors.Is(err, signer.ErrDuplicateParticipant),
		errors.Is(err, signer.ErrOfflineNotComplete),
		errors.Is(err, ErrStaleTimestamp),
		errors.Is(err, ErrPeerCount),
		errors.Is(err, ErrMalformedInput):
		return http.StatusBadRequest
	case errors.Is(err, signer.ErrMissingShare):
		return http.StatusNotFound
	case errors.Is(err, save.ErrShareExists):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
