package association

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/console/internal/domain/entity"
	"github.com/ehr/console/internal/platform/remote"
	"github.com/ehr/console/pkg/pagination"
)

type Handler struct {
	client          remote.Client
	sessions        *SessionStore
	defaultPageSize int
	logger          zerolog.Logger
}

func NewHandler(client remote.Client, sessions *SessionStore, defaultPageSize int, logger zerolog.Logger) *Handler {
	return &Handler{
		client:          client,
		sessions:        sessions,
		defaultPageSize: defaultPageSize,
		logger:          logger,
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/profiles/:kind/:id/session", h.OpenSession)
	api.DELETE("/sessions/:sid", h.CloseSession)
	api.GET("/sessions/:sid/connections", h.ListConnections)
	api.GET("/sessions/:sid/connections/counts", h.CountConnections)
	api.POST("/sessions/:sid/connections/:targetKind/:targetId/unlink", h.RequestUnlink)
	api.POST("/sessions/:sid/unlink/confirm", h.ConfirmUnlink)
	api.DELETE("/sessions/:sid/unlink", h.CancelUnlink)
}

// KindCount is one slice of the organization chart.
type KindCount struct {
	Kind  entity.Kind `json:"entityType"`
	Label string      `json:"label"`
	Count int         `json:"count"`
}

type countsResponse struct {
	Total  int         `json:"total"`
	ByKind []KindCount `json:"by_kind"`
}

type sessionResponse struct {
	SessionID string         `json:"session_id"`
	Primary   entity.Ref     `json:"primary"`
	Counts    countsResponse `json:"counts"`
}

type connectionsResponse struct {
	*pagination.Response
	Counts countsResponse `json:"counts"`
}

type confirmRequest struct {
	Token string `json:"token"`
}

type unlinkStateResponse struct {
	Phase   UnlinkPhase    `json:"phase"`
	Pending *PendingUnlink `json:"pending,omitempty"`
}

func newCounts(reg *Registry) countsResponse {
	counts := reg.Counts()
	resp := countsResponse{ByKind: make([]KindCount, 0, len(counts))}
	for _, k := range entity.All() {
		resp.ByKind = append(resp.ByKind, KindCount{Kind: k, Label: k.Label(), Count: counts[k]})
		resp.Total += counts[k]
	}
	return resp
}

// -- Session Handlers --

func (h *Handler) OpenSession(c echo.Context) error {
	kind, err := entity.ParseKind(c.Param("kind"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}

	primary := entity.Ref{Kind: kind, ID: id}
	reg, err := Load(c.Request().Context(), h.client, primary, h.logger)
	if err != nil {
		if remote.StatusOf(err) == http.StatusNotFound {
			return echo.NewHTTPError(http.StatusNotFound, remote.UserMessage(err))
		}
		return echo.NewHTTPError(http.StatusBadGateway, remote.UserMessage(err))
	}

	sid := h.sessions.Open(reg)
	return c.JSON(http.StatusCreated, sessionResponse{SessionID: sid, Primary: primary, Counts: newCounts(reg)})
}

func (h *Handler) CloseSession(c echo.Context) error {
	h.sessions.Close(c.Param("sid"))
	return c.NoContent(http.StatusNoContent)
}

// -- Connection Handlers --

func (h *Handler) ListConnections(c echo.Context) error {
	reg, err := h.registry(c)
	if err != nil {
		return err
	}

	var kind entity.Kind
	if v := c.QueryParam("kind"); v != "" {
		if kind, err = entity.ParseKind(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	p := pagination.FromContext(c, h.defaultPageSize)
	items, total, _ := reg.Find(Query{Kind: kind, Term: c.QueryParam("q"), Page: p.Page, PageSize: p.PageSize})
	return c.JSON(http.StatusOK, connectionsResponse{
		Response: pagination.NewResponse(items, total, p),
		Counts:   newCounts(reg),
	})
}

func (h *Handler) CountConnections(c echo.Context) error {
	reg, err := h.registry(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newCounts(reg))
}

// -- Unlink Handlers --

func (h *Handler) RequestUnlink(c echo.Context) error {
	reg, err := h.registry(c)
	if err != nil {
		return err
	}
	kind, err := entity.ParseKind(c.Param("targetKind"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	pending, err := reg.RequestUnlink(entity.Ref{Kind: kind, ID: c.Param("targetId")})
	if err != nil {
		return unlinkHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, unlinkStateResponse{Phase: UnlinkConfirming, Pending: pending})
}

func (h *Handler) ConfirmUnlink(c echo.Context) error {
	reg, err := h.registry(c)
	if err != nil {
		return err
	}
	var req confirmRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token is required")
	}

	if err := reg.ConfirmUnlink(c.Request().Context(), req.Token); err != nil {
		return unlinkHTTPError(err)
	}
	return c.JSON(http.StatusOK, newCounts(reg))
}

func (h *Handler) CancelUnlink(c echo.Context) error {
	reg, err := h.registry(c)
	if err != nil {
		return err
	}
	if err := reg.CancelUnlink(); err != nil {
		return unlinkHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) registry(c echo.Context) (*Registry, error) {
	reg, err := h.sessions.Get(c.Param("sid"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return reg, nil
}

func unlinkHTTPError(err error) error {
	var uerr *UnlinkError
	switch {
	case errors.As(err, &uerr):
		return echo.NewHTTPError(http.StatusBadGateway, uerr.Message)
	case errors.Is(err, ErrNotAssociated):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotConfirming), errors.Is(err, ErrTokenMismatch), errors.Is(err, ErrUnlinkInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
