package server

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/culpritdev/culprit/pkg/culprit"
	"github.com/gin-gonic/gin"
)

type httpServer struct {
	oracle *InteractiveOracle

	mu   sync.Mutex
	open map[string]*candidate
}

func (h *httpServer) Init(port int, oracle *InteractiveOracle) error {
	h.oracle = oracle
	h.open = make(map[string]*candidate)

	router := gin.Default()

	router.GET("/candidate", h.getCandidate)
	router.POST("/verdict/:candidateId", h.postVerdict)

	go router.Run(fmt.Sprintf("localhost:%d", port))
	return nil
}

type candidateResponse struct {
	CandidateID string `json:"candidateId"`

	Commit     string `json:"commit"`
	WorkingDir string `json:"workingDir"`
}

type verdictRequest struct {
	Verdict string `json:"verdict" binding:"required"`
}

// getCandidate blocks until the engine has a commit checked out and ready
// to be judged, then hands it to the caller.
func (h *httpServer) getCandidate(c *gin.Context) {
	select {
	case cand := <-h.oracle.pending:
		h.mu.Lock()
		h.open[cand.id] = cand
		h.mu.Unlock()

		c.JSON(http.StatusOK, candidateResponse{
			CandidateID: cand.id,

			Commit:     cand.commit,
			WorkingDir: cand.dir,
		})
	case <-c.Request.Context().Done():
		c.AbortWithStatus(http.StatusRequestTimeout)
	}
}

func (h *httpServer) postVerdict(c *gin.Context) {
	var req verdictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	var verdict culprit.Verdict
	switch req.Verdict {
	case "good":
		verdict = culprit.VerdictBugAbsent
	case "bad":
		verdict = culprit.VerdictBugPresent
	case "skip":
		verdict = culprit.VerdictInconclusive
	default:
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	id := c.Param("candidateId")
	h.mu.Lock()
	cand, found := h.open[id]
	if found {
		delete(h.open, id)
	}
	h.mu.Unlock()

	if !found {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	cand.verdict <- verdict
	c.AbortWithStatus(http.StatusOK)
}
