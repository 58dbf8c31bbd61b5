package main

import (
	"net/http"
	"strconv"

	"github.com/cardiva/cardiva_backend/models"
	"github.com/gin-gonic/gin"
)

type matchRequest struct {
	MatchId int `json:"match_id" binding:"required"`
}

func reviewParams(c *gin.Context) (jobId int, itemId int, matchId int, ok bool) {
	jobId, err := intParam(c, "jobId")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return 0, 0, 0, false
	}
	itemId, err = intParam(c, "itemId")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return 0, 0, 0, false
	}
	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MatchId <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "match_id is required"})
		return 0, 0, 0, false
	}
	return jobId, itemId, req.MatchId, true
}

func acceptMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, itemId, matchId, ok := reviewParams(c)
		if !ok {
			return
		}
		if err := models.AcceptMatch(c.Request.Context(), jobId, itemId, matchId); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func rejectMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, itemId, matchId, ok := reviewParams(c)
		if !ok {
			return
		}
		if err := models.RejectMatch(c.Request.Context(), jobId, itemId, matchId); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func unselectMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, itemId, matchId, ok := reviewParams(c)
		if !ok {
			return
		}
		if err := models.UnselectMatch(c.Request.Context(), jobId, itemId, matchId); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func manualMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := intParam(c, "jobId")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		itemId, err := intParam(c, "itemId")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		var input models.NewManualMatch
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request"})
			return
		}
		suggestion, err := models.SetManualMatch(c.Request.Context(), jobId, itemId, input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": suggestion})
	}
}

func autoAcceptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := intParam(c, "jobId")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		accepted, err := models.AutoAcceptExactMatches(c.Request.Context(), jobId)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"accepted": accepted}})
	}
}

func listRFPItemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := intParam(c, "jobId")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}

		filter := models.RFPItemFilter{
			Search:   c.Query("search"),
			SortBy:   c.Query("sort_by"),
			SortDesc: c.Query("sort_desc") == "true",
		}
		if v := c.Query("review_status"); v != "" {
			status, err := models.ParseReviewStatus(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
				return
			}
			filter.ReviewStatus = &status
		}
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Limit = n
			}
		}
		if v := c.Query("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				filter.Offset = n
			}
		}

		page, err := models.GetRFPItems(c.Request.Context(), jobId, filter)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": page})
	}
}

func rfpJobKPIsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := intParam(c, "jobId")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		kpis, err := models.GetRFPJobKPIs(c.Request.Context(), jobId)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		state, err := models.GetRFPJobReviewState(c.Request.Context(), jobId)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"kpis": kpis, "review_state": state}})
	}
}

func confirmRFPHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := intParam(c, "jobId")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		job, err := models.ConfirmRFP(c.Request.Context(), jobId)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": job})
	}
}

func revertConfirmationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := intParam(c, "jobId")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		job, err := models.RevertConfirmation(c.Request.Context(), jobId)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": job})
	}
}

func getArtigoHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		artigoId, err := intParam(c, "artigoId")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		artigo, err := models.GetArtigo(c.Request.Context(), artigoId)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": artigo})
	}
}

func searchArtigosHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		query := c.Query("q")
		if query == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "q is required"})
			return
		}
		artigos, err := models.SearchArtigos(c.Request.Context(), query)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": artigos})
	}
}
