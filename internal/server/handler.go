package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/mealvoucher/internal/api"
	"github.com/0gfoundation/mealvoucher/internal/auth"
	"github.com/0gfoundation/mealvoucher/internal/validator"
	"github.com/0gfoundation/mealvoucher/internal/voucher"
)

const (
	maxBatchItems     = 1000
	defaultFraudLimit = 100
)

// Handler serves the chef and admin routes.
type Handler struct {
	store *Store
	val   *validator.Validator
	now   func() time.Time
	log   *zap.Logger
}

// NewHandler builds a Handler. The online validator runs over the same
// store the batch upload writes to, so online and offline redemptions
// share one set of slots.
func NewHandler(store *Store, cfg validator.Config, log *zap.Logger) *Handler {
	cfg.Location = store.Location()
	val := validator.New(func() validator.Roster { return store }, store, cfg, log)
	return &Handler{store: store, val: val, now: time.Now, log: log}
}

// Register mounts chef routes on chef (device auth applied) and admin
// routes on admin (bearer auth applied).
func (h *Handler) Register(chef, admin *gin.RouterGroup) {
	// ── Chef device ───────────────────────────────────────────────────────
	chef.GET("/chef/keys", h.handleKeys)
	chef.GET("/chef/permissions/today", h.handleTodayPermissions)
	chef.POST("/qr/validate", h.handleValidate)
	chef.POST("/transactions/batch", h.handleBatch)

	// ── Registrar / curator / administrator ───────────────────────────────
	admin.PUT("/admin/students/:id", h.handlePutStudent)
	admin.GET("/admin/students", h.handleKeys)
	admin.PUT("/admin/permissions/:date", h.handlePutPermissions)
	admin.GET("/admin/permissions/:date", h.handleGetPermissions)
	admin.PUT("/admin/devices/:address", h.handlePutDevice)
	admin.GET("/admin/fraud-reports", h.handleFraudReports)
	admin.GET("/admin/stats/:date", h.handleStats)
}

// ── Roster download ─────────────────────────────────────────────────────────

func (h *Handler) handleKeys(c *gin.Context) {
	keys, err := h.store.Students(c.Request.Context())
	if err != nil {
		h.internal(c, "list students", err)
		return
	}
	c.JSON(http.StatusOK, keys)
}

func (h *Handler) handleTodayPermissions(c *gin.Context) {
	date := voucher.DayStart(h.now(), h.store.Location()).Format(voucher.DateLayout)
	perms, err := h.store.Permissions(c.Request.Context(), date)
	if err != nil {
		h.internal(c, "list permissions", err)
		return
	}
	c.JSON(http.StatusOK, perms)
}

// ── Online validation ───────────────────────────────────────────────────────

func (h *Handler) handleValidate(c *gin.Context) {
	var p voucher.Payload
	if err := c.ShouldBindJSON(&p); err != nil || p.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid voucher payload"})
		return
	}

	res, err := h.val.Validate(c.Request.Context(), &p)
	if err != nil {
		h.internal(c, "validate", err)
		return
	}

	resp := api.ValidationResponse{
		IsValid:     res.Valid,
		StudentName: res.StudentName,
		GroupName:   res.GroupName,
		MealType:    res.MealType,
	}
	if !res.Valid {
		resp.ErrorCode = res.Code.String()
		resp.ErrorMessage = res.Message
	}
	h.log.Info("online validation",
		zap.String("device", c.GetString(auth.DeviceKey)),
		zap.String("student", p.UserID),
		zap.String("code", res.Code.String()),
	)
	c.JSON(http.StatusOK, resp)
}

// ── Offline batch upload ────────────────────────────────────────────────────

func (h *Handler) handleBatch(c *gin.Context) {
	var items []api.BatchItem
	if err := c.ShouldBindJSON(&items); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch"})
		return
	}
	if len(items) > maxBatchItems {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "batch too large"})
		return
	}

	device := c.GetString(auth.DeviceKey)
	resp := api.BatchResponse{Items: make([]api.BatchItemResult, 0, len(items))}
	for _, it := range items {
		status, err := h.store.ApplyBatchItem(c.Request.Context(), it, device)
		if err != nil {
			h.internal(c, "apply batch item", err)
			return
		}
		switch status {
		case api.ItemAccepted, api.ItemDuplicate:
			resp.SuccessCount++
		case api.ItemConflict:
			h.log.Warn("conflicting offline redemption",
				zap.String("device", device),
				zap.String("student", it.StudentID),
				zap.String("meal", it.MealType),
				zap.String("hash", it.TransactionHash),
			)
		}
		resp.Items = append(resp.Items, api.BatchItemResult{TransactionHash: it.TransactionHash, Status: status})
	}

	h.log.Info("batch applied",
		zap.String("device", device),
		zap.Int("items", len(items)),
		zap.Int("success", resp.SuccessCount),
	)
	c.JSON(http.StatusOK, resp)
}

// ── Admin ───────────────────────────────────────────────────────────────────

func (h *Handler) handlePutStudent(c *gin.Context) {
	var k voucher.StudentKey
	if err := c.ShouldBindJSON(&k); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid student"})
		return
	}
	k.UserID = c.Param("id")
	if err := h.store.PutStudent(c.Request.Context(), k); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, k)
}

func (h *Handler) handlePutPermissions(c *gin.Context) {
	var perms []voucher.Permission
	if err := c.ShouldBindJSON(&perms); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid permissions"})
		return
	}
	date := c.Param("date")
	if err := h.store.PutPermissions(c.Request.Context(), date, perms); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "count": len(perms)})
}

func (h *Handler) handleGetPermissions(c *gin.Context) {
	perms, err := h.store.Permissions(c.Request.Context(), c.Param("date"))
	if err != nil {
		h.internal(c, "list permissions", err)
		return
	}
	c.JSON(http.StatusOK, perms)
}

func (h *Handler) handlePutDevice(c *gin.Context) {
	addr := c.Param("address")
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device address"})
		return
	}
	if err := h.store.AddDevice(c.Request.Context(), addr); err != nil {
		h.internal(c, "add device", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": strings.ToLower(addr)})
}

func (h *Handler) handleFraudReports(c *gin.Context) {
	limit := int64(defaultFraudLimit)
	if s := c.Query("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	reports, err := h.store.FraudReports(c.Request.Context(), limit)
	if err != nil {
		h.internal(c, "fraud reports", err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

func (h *Handler) handleStats(c *gin.Context) {
	date := c.Param("date")
	stats, err := h.store.Stats(c.Request.Context(), date)
	if err != nil {
		h.internal(c, "stats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "counts": stats})
}

func (h *Handler) internal(c *gin.Context, op string, err error) {
	h.log.Error(op, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
