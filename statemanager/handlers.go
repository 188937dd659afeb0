package statemanager

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes mounts the controller's admin job-tracking surface onto g,
// the counterpart to the controller subcommand's POST .../drop (cli/root.go).
func (m *Manager) RegisterRoutes(g *echo.Group) {
	g.GET("/jobs", m.handleListJobs)
	g.GET("/jobs/:fingerprint", m.handleGetJob)
	g.GET("/jobs/stats", m.handleStats)
}

func (m *Manager) handleListJobs(c echo.Context) error {
	return c.JSON(http.StatusOK, m.ListJobs())
}

func (m *Manager) handleGetJob(c echo.Context) error {
	fp := c.Param("fingerprint")
	j := m.GetJob(fp)
	if j == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not tracked"})
	}
	return c.JSON(http.StatusOK, j)
}

func (m *Manager) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, m.Stats())
}
