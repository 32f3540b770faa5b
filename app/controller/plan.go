package controller

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-wallets/app/factory"
	"github.com/vibast-solutions/ms-go-wallets/app/mapper"
	"github.com/vibast-solutions/ms-go-wallets/app/service"
	"github.com/vibast-solutions/ms-go-wallets/app/types"
)

type PlanController struct {
	planService *service.PlanService
	logger      logrus.FieldLogger
}

func NewPlanController(planService *service.PlanService) *PlanController {
	return &PlanController{
		planService: planService,
		logger:      factory.NewModuleLogger("plan-controller"),
	}
}

func (c *PlanController) Create(ctx echo.Context) error {
	req, err := types.NewCreatePlanRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	plan, err := c.planService.Create(ctx.Request().Context(), req)
	if err != nil {
		return writeServiceError(ctx, c.logger, "Create plan", err)
	}

	return ctx.JSON(http.StatusCreated, &types.PlanResponse{Plan: mapper.PlanToResponse(plan)})
}

func (c *PlanController) Update(ctx echo.Context) error {
	req, err := types.NewUpdatePlanRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	plan, err := c.planService.Update(ctx.Request().Context(), req)
	if err != nil {
		return writeServiceError(ctx, c.logger, "Update plan", err)
	}

	return ctx.JSON(http.StatusOK, &types.PlanResponse{Plan: mapper.PlanToResponse(plan)})
}

func (c *PlanController) List(ctx echo.Context) error {
	req, err := types.NewListPlansRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	items, err := c.planService.List(ctx.Request().Context(), req)
	if err != nil {
		return writeServiceError(ctx, c.logger, "List plans", err)
	}

	return ctx.JSON(http.StatusOK, &types.ListPlansResponse{Plans: mapper.PlansToResponse(items)})
}
