package controller

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/vibast-solutions/ms-go-wallets/app/types"
)

func Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok"})
}
