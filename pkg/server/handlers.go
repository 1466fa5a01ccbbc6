package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/limb-lab/mvc/pkg/recorder"
	"github.com/limb-lab/mvc/pkg/version"
)

func (s *Server) getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.sess.Status())
}

func (s *Server) getResults(c *gin.Context) {
	recs := s.sess.Records()

	c.Header("Content-Type", "application/json; charset=utf-8")
	c.Status(http.StatusOK)
	if err := recorder.WriteJSON(c.Writer, recs); err != nil {
		_ = c.Error(err)
	}
}

func (s *Server) getResultsCSV(c *gin.Context) {
	rows := recorder.RowsFromRecords(s.sess.Records())

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.sess.FileBase()+"_results.csv"))
	c.Status(http.StatusOK)
	if err := recorder.WriteCSV(c.Writer, rows); err != nil {
		_ = c.Error(err)
	}
}

func (s *Server) stop(c *gin.Context) {
	st := s.sess.Status()
	if st.State.Terminal() {
		c.IndentedJSON(http.StatusOK, fmt.Sprintf("session %s already finished (%s)", st.ID, st.State))
		return
	}

	s.sess.Stop()
	logrus.WithField("session", st.ID).Info("stop requested over api")

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("stopping session %s", st.ID))
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
