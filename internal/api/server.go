// Package api serves pruning artifacts and the last graph analysis over HTTP.
package api

import (
	"errors"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/squeeze/internal/checkpoint"
	"github.com/samcharles93/squeeze/internal/graph"
	"github.com/samcharles93/squeeze/internal/version"
)

type Server struct {
	dir string
	now func() time.Time

	mu     sync.RWMutex
	groups *GroupsResponse
}

// NewServer serves the artifacts found in dir.
func NewServer(dir string) *Server {
	return &Server{dir: dir, now: time.Now}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/masks", s.handleListMasks)
	e.GET("/v1/masks/:name", s.handleGetMask)
	e.GET("/v1/groups", s.handleGroups)
	e.GET("/v1/version", s.handleVersion)
}

// SetAnalysis replaces the report served by /v1/groups.
func (s *Server) SetAnalysis(a *graph.Analysis) {
	resp := &GroupsResponse{
		Object:     "list",
		AnalyzedAt: s.now().UTC(),
		Data:       Report(a),
	}
	s.mu.Lock()
	s.groups = resp
	s.mu.Unlock()
}

// Report flattens the groups of a in network order.
func Report(a *graph.Analysis) []GroupReport {
	groups := a.List()
	out := make([]GroupReport, 0, len(groups))
	for _, g := range groups {
		r := GroupReport{
			Name:        g.Name,
			Role:        g.Role.String(),
			Prunable:    g.Prunable(),
			BatchNorm:   g.BN != nil,
			Pinned:      g.Pinned,
			InChannels:  g.InChannels,
			OutChannels: g.OutChannels,
			OutputShape: g.OutputShape,
			Kept:        g.OutIndex,
		}
		if g.Producer != nil {
			r.Producer = g.Producer.Name
		}
		for _, c := range g.Consumers {
			r.Consumers = append(r.Consumers, c.Name)
		}
		out = append(out, r)
	}
	return out
}

func (s *Server) handleListMasks(c *echo.Context) error {
	masks, err := checkpoint.ListMasks(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return writeErr(c, newNotFound("artifact directory does not exist"))
		}
		return writeErr(c, err)
	}
	if masks == nil {
		masks = []checkpoint.MaskArtifact{}
	}
	return c.JSON(http.StatusOK, MaskListResponse{Object: "list", Data: masks})
}

func (s *Server) handleGetMask(c *echo.Context) error {
	name, epoch, err := splitArtifactName(c.Param("name"))
	if err != nil {
		return writeErr(c, err)
	}
	m, err := checkpoint.LoadMask(checkpoint.MaskPath(s.dir, name, epoch))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return writeErr(c, newNotFound("mask not found: "+c.Param("name")))
		}
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, MaskResponse{
		Object:   "mask",
		Name:     name,
		Epoch:    epoch,
		Channels: m.Count(),
		Mask:     m,
	})
}

func (s *Server) handleGroups(c *echo.Context) error {
	s.mu.RLock()
	resp := s.groups
	s.mu.RUnlock()
	if resp == nil {
		return writeErr(c, newNotFound("no analysis has been run"))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleVersion(c *echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{Version: version.String()})
}
