// Package rest provides the Gin-based REST API server.
package rest

import (
	"cmp"
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iggydv12/mycelia/internal/compute"
	"github.com/iggydv12/mycelia/internal/router"
	"github.com/iggydv12/mycelia/internal/shard"
)

const ndjson = "application/x-ndjson"

// Mesh is the view of the peer registry the API exposes. Satisfied by
// mesh.Registry.
type Mesh interface {
	LocalID() peer.ID
	Peers() []peer.ID
	Addresses() map[peer.ID]net.IP
	Shards() map[shard.ID]peer.ID
	AssignShard(id shard.ID, owner peer.ID)
	Rebalance() shard.Result
	Alive() bool
}

// Dispatcher produces the response stream of a work request. Satisfied by
// router.Router.
type Dispatcher interface {
	Role() router.Role
	Handle(ctx context.Context, op router.Operation, req compute.Request, sink router.Sink) error
}

// Server is the REST API server.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	mesh   Mesh
	router Dispatcher
	logger *zap.Logger
}

// New creates a REST Server.
func New(m Mesh, d Dispatcher, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		http:   &http.Server{Handler: engine},
		mesh:   m,
		router: d,
		logger: logger,
	}
	s.registerRoutes()
	return s
}

// Handler exposes the routes for embedding in another server or a test.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves on addr until Close is called. It returns immediately if
// Close came first.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	s.logger.Info("REST API listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the listener and drops every open connection, in-flight
// streams included. Their request contexts are cancelled.
func (s *Server) Close() error {
	return s.http.Close()
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")

	api.POST("/generate", s.work(router.OpGenerate))
	api.POST("/embeddings", s.work(router.OpEmbeddings))
	api.GET("/health", s.health)

	meshGroup := api.Group("/mesh")
	{
		meshGroup.GET("/peers", s.peers)
		meshGroup.GET("/shards", s.shards)
		meshGroup.PUT("/shards/:id", s.assignShard)
		meshGroup.POST("/rebalance", s.rebalance)
	}

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// --- Work handlers ---

func (s *Server) work(op router.Operation) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req compute.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.Header("Content-Type", ndjson)
		c.Status(http.StatusOK)
		err := s.router.Handle(c.Request.Context(), op, req, c.Writer)
		if err == nil {
			return
		}
		if !c.Writer.Written() {
			c.Writer.Header().Del("Content-Type")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.logger.Warn("response stream ended with error", zap.String("op", op.String()), zap.Error(err))
	}
}

// --- Mesh handlers ---

type peerView struct {
	Self      string            `json:"self"`
	Peers     []string          `json:"peers"`
	Addresses map[string]string `json:"addresses"`
}

func (s *Server) peers(c *gin.Context) {
	live := s.mesh.Peers()
	view := peerView{
		Self:      s.mesh.LocalID().String(),
		Peers:     make([]string, 0, len(live)),
		Addresses: make(map[string]string),
	}
	for _, p := range live {
		view.Peers = append(view.Peers, p.String())
	}
	for p, ip := range s.mesh.Addresses() {
		view.Addresses[p.String()] = ip.String()
	}
	c.JSON(http.StatusOK, view)
}

type shardView struct {
	Shard shard.ID `json:"shard"`
	Owner string   `json:"owner"`
}

func (s *Server) shards(c *gin.Context) {
	snap := s.mesh.Shards()
	out := make([]shardView, 0, len(snap))
	for id, owner := range snap {
		out = append(out, shardView{Shard: id, Owner: owner.String()})
	}
	slices.SortFunc(out, func(a, b shardView) int { return cmp.Compare(a.Shard, b.Shard) })
	c.JSON(http.StatusOK, out)
}

func (s *Server) assignShard(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shard id"})
		return
	}
	var body struct {
		Owner string `json:"owner" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	owner, err := peer.Decode(body.Owner)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner: " + err.Error()})
		return
	}
	s.mesh.AssignShard(shard.ID(id), owner)
	c.JSON(http.StatusOK, shardView{Shard: shard.ID(id), Owner: owner.String()})
}

type moveView struct {
	Shard shard.ID `json:"shard"`
	From  string   `json:"from"`
	To    string   `json:"to"`
}

func (s *Server) rebalance(c *gin.Context) {
	res := s.mesh.Rebalance()
	moves := make([]moveView, 0, len(res.Moves))
	for _, m := range res.Moves {
		moves = append(moves, moveView{Shard: m.Shard, From: m.From.String(), To: m.To.String()})
	}
	orphaned := res.Orphaned
	if orphaned == nil {
		orphaned = []shard.ID{}
	}
	c.JSON(http.StatusOK, gin.H{
		"orphaned": orphaned,
		"moves":    moves,
		"dropped":  res.Dropped(),
	})
}

// --- Health ---

func (s *Server) health(c *gin.Context) {
	status := "ok"
	if !s.mesh.Alive() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"role":   s.router.Role().String(),
		"peer":   s.mesh.LocalID().String(),
		"alive":  s.mesh.Alive(),
	})
}
