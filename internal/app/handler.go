package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/relay/internal/apperror"
)

func (a *App) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func userIDParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.NewInputInvalid("user id must be a positive integer")
	}
	return id, nil
}

// userStatus reports the user's lifecycle state, whether the forwarder is
// running, the 24h delivery breakdown, and the last successful relay.
func (a *App) userStatus(c echo.Context) error {
	userID, err := userIDParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	user, err := a.userRepo.FindByID(ctx, userID)
	if err != nil {
		return err
	}

	stats, err := a.Ledger.Stats(ctx, userID, 24*time.Hour)
	if err != nil {
		return apperror.NewInternal(err)
	}

	resp := map[string]any{
		"user":         user,
		"running":      a.Supervisor.Running(userID),
		"auth_pending": a.Auth.HasPending(userID),
		"stats_24h":    stats,
	}
	if last, err := a.Ledger.LastSuccess(ctx, userID); err == nil {
		resp["last_success"] = last
	}
	return c.JSON(http.StatusOK, resp)
}

func (a *App) startForwarder(c echo.Context) error {
	userID, err := userIDParam(c)
	if err != nil {
		return err
	}
	if err := a.Supervisor.Start(c.Request().Context(), userID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"running": true})
}

func (a *App) stopForwarder(c echo.Context) error {
	userID, err := userIDParam(c)
	if err != nil {
		return err
	}
	a.Supervisor.Stop(c.Request().Context(), userID)
	return c.JSON(http.StatusOK, map[string]any{"running": false})
}

func (a *App) listSources(c echo.Context) error {
	userID, err := userIDParam(c)
	if err != nil {
		return err
	}
	list, err := a.Sources.ListSources(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"sources": list})
}

type addSourcesRequest struct {
	Inputs []string `json:"inputs"`
}

func (a *App) addSources(c echo.Context) error {
	userID, err := userIDParam(c)
	if err != nil {
		return err
	}

	var req addSourcesRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewInputInvalid("body must be {\"inputs\": [...]}")
	}

	outcomes, err := a.Sources.AddSources(c.Request().Context(), userID, req.Inputs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"outcomes": outcomes})
}

func (a *App) removeSource(c echo.Context) error {
	userID, err := userIDParam(c)
	if err != nil {
		return err
	}
	channelID, err := strconv.ParseInt(c.Param("channel_id"), 10, 64)
	if err != nil {
		return apperror.NewInputInvalid("channel id must be an integer")
	}

	if err := a.Sources.RemoveSource(c.Request().Context(), userID, channelID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type setDestinationRequest struct {
	Input string `json:"input"`
}

func (a *App) setDestination(c echo.Context) error {
	userID, err := userIDParam(c)
	if err != nil {
		return err
	}

	var req setDestinationRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewInputInvalid("body must be {\"input\": \"...\"}")
	}

	dest, err := a.Destinations.SetDestination(c.Request().Context(), userID, req.Input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"destination": dest})
}

func (a *App) clearDestination(c echo.Context) error {
	userID, err := userIDParam(c)
	if err != nil {
		return err
	}
	if err := a.Destinations.ClearDestination(c.Request().Context(), userID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
