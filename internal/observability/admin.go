package observability

import (
	"net/http"
	"time"

	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const Version = "0.1.0"

// NodeStatus is what the admin routes report about a running node.
type NodeStatus interface {
	ID() network.NodeID
	Started() time.Time
	Peers() []network.NodeID
	Actions() []string
	PendingRequests() []session.PendingRequest
	SubscriberFailures() uint64
}

type pendingView struct {
	RequestID   string   `json:"requestId"`
	Action      string   `json:"action"`
	Format      string   `json:"format"`
	Destination string   `json:"destination"`
	NextHops    []string `json:"nextHops"`
	IssuedAt    string   `json:"issuedAt"`
	Deadline    string   `json:"deadline,omitempty"`
}

// NewAdminRouter serves health, metrics and relay state for one node.
func NewAdminRouter(status NodeStatus, logger zerolog.Logger) *gin.Engine {
	RegisterMetrics()
	node := status.ID().String()
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger), RequestMetricsMiddleware(node))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(status.Started()).String(),
			"service": node,
			"version": Version,
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/pending", func(c *gin.Context) {
		snapshot := status.PendingRequests()
		SetPending(node, len(snapshot))
		out := make([]pendingView, 0, len(snapshot))
		for _, p := range snapshot {
			view := pendingView{
				RequestID:   p.RequestID,
				Action:      p.Action,
				Format:      p.Format.String(),
				Destination: p.Destination.String(),
				NextHops:    make([]string, 0, len(p.NextHops)),
				IssuedAt:    p.IssuedAt.UTC().Format(time.RFC3339Nano),
			}
			if p.Timeout > 0 {
				view.Deadline = p.Deadline().UTC().Format(time.RFC3339Nano)
			}
			for _, hop := range p.NextHops {
				view.NextHops = append(view.NextHops, hop.String())
			}
			out = append(out, view)
		}
		c.JSON(http.StatusOK, gin.H{"node": node, "pending": out})
	})

	router.GET("/peers", func(c *gin.Context) {
		peers := status.Peers()
		out := make([]string, 0, len(peers))
		for _, p := range peers {
			out = append(out, p.String())
		}
		c.JSON(http.StatusOK, gin.H{"node": node, "peers": out})
	})

	router.GET("/actions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"node":                node,
			"actions":             status.Actions(),
			"subscriber_failures": status.SubscriberFailures(),
		})
	})
	return router
}
