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

type WalletController struct {
	walletService *service.WalletService
	logger        logrus.FieldLogger
}

func NewWalletController(walletService *service.WalletService) *WalletController {
	return &WalletController{
		walletService: walletService,
		logger:        factory.NewModuleLogger("wallet-controller"),
	}
}

func (c *WalletController) CreateWallet(ctx echo.Context) error {
	req, err := types.NewCreateWalletRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	wallet, created, err := c.walletService.CreateWallet(ctx.Request().Context(), req)
	if err != nil {
		return writeServiceError(ctx, c.logger, "Create wallet", err)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return ctx.JSON(status, &types.WalletResponse{Wallet: mapper.WalletToResponse(wallet), Created: created})
}

func (c *WalletController) GetWallet(ctx echo.Context) error {
	req, err := types.NewGetWalletRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	wallet, err := c.walletService.GetWallet(ctx.Request().Context(), req.GetUserID())
	if err != nil {
		return writeServiceError(ctx, c.logger, "Get wallet", err)
	}

	return ctx.JSON(http.StatusOK, &types.WalletResponse{Wallet: mapper.WalletToResponse(wallet)})
}

func (c *WalletController) ListTransactions(ctx echo.Context) error {
	req, err := types.NewListTransactionsRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	items, err := c.walletService.ListTransactions(ctx.Request().Context(), req)
	if err != nil {
		return writeServiceError(ctx, c.logger, "List transactions", err)
	}

	return ctx.JSON(http.StatusOK, &types.ListTransactionsResponse{Transactions: mapper.TransactionsToResponse(items)})
}

func (c *WalletController) CreateCheckoutSession(ctx echo.Context) error {
	req, err := types.NewCheckoutSessionRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.walletService.CreateCheckoutSession(ctx.Request().Context(), req)
	if err != nil {
		return writeServiceError(ctx, c.logger, "Create checkout session", err)
	}

	return ctx.JSON(http.StatusCreated, &types.CheckoutSessionResponse{
		TransactionID: result.TransactionID,
		SessionID:     result.SessionID,
		RedirectURL:   result.RedirectURL,
	})
}

func (c *WalletController) CreatePaymentIntent(ctx echo.Context) error {
	req, err := types.NewPaymentIntentRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	result, err := c.walletService.CreatePaymentIntent(ctx.Request().Context(), req)
	if err != nil {
		return writeServiceError(ctx, c.logger, "Create payment intent", err)
	}

	return ctx.JSON(http.StatusCreated, &types.PaymentIntentResponse{
		TransactionID: result.TransactionID,
		ClientSecret:  result.ClientSecret,
		Amount:        mapper.Amount(result.Amount),
		Currency:      result.Currency,
	})
}

func (c *WalletController) JoinContest(ctx echo.Context) error {
	req, err := types.NewContestEntryRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	tx, err := c.walletService.JoinContest(ctx.Request().Context(), req)
	if err != nil {
		return writeServiceError(ctx, c.logger, "Join contest", err)
	}

	return ctx.JSON(http.StatusCreated, &types.TransactionResponse{Transaction: mapper.TransactionToResponse(tx)})
}

func (c *WalletController) RefundTransaction(ctx echo.Context) error {
	req, err := types.NewRefundRequestFromContext(ctx)
	if err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return writeError(ctx, http.StatusBadRequest, err.Error())
	}

	tx, err := c.walletService.RefundTransaction(ctx.Request().Context(), req)
	if err != nil {
		return writeServiceError(ctx, c.logger, "Refund transaction", err)
	}

	return ctx.JSON(http.StatusOK, &types.TransactionResponse{Transaction: mapper.TransactionToResponse(tx)})
}
