package auction

import (
	"context"
	"errors"
	"net/http"

	"github.com/clearbatch/auction-node/jsonrpcserver"
	"github.com/clearbatch/auction-node/metrics"
	"go.uber.org/zap"
)

var ErrUnknownSettlement = errors.New("unknown settlement")

// API is the operator-facing JSON-RPC surface over the round loop. Read-only
// methods are open; mutating methods require the operator token.
type API struct {
	log    *zap.Logger
	driver *Driver
}

func NewAPI(log *zap.Logger, driver *Driver) *API {
	return &API{
		log:    log,
		driver: driver,
	}
}

func (a *API) Status(ctx context.Context) (DriverStatus, error) {
	return a.driver.Status(), nil
}

func (a *API) Pause(ctx context.Context) (bool, error) {
	a.log.Info("Operator paused round loop")
	metrics.IncOperatorCalls(PauseEndpointName)
	a.driver.Pause()
	return true, nil
}

func (a *API) Resume(ctx context.Context) (bool, error) {
	a.log.Info("Operator resumed round loop")
	metrics.IncOperatorCalls(ResumeEndpointName)
	a.driver.Resume()
	return true, nil
}

func (a *API) CancelSettlement(ctx context.Context, settlementID string) (bool, error) {
	status := a.driver.Status()
	if status.SettlementID != settlementID {
		a.log.Warn("Operator cancel for settlement not in flight", zap.String("settlement", settlementID))
		return false, ErrUnknownSettlement
	}
	a.log.Info("Operator requested settlement cancellation", zap.String("settlement", settlementID))
	metrics.IncOperatorCalls(CancelSettlementEndpointName)
	a.driver.CancelSettlement(settlementID)
	return true, nil
}

// Handler builds the JSON-RPC http handler for the operator API.
func (a *API) Handler(operatorToken string) (http.Handler, error) {
	return jsonrpcserver.NewHandler(jsonrpcserver.Methods{
		StatusEndpointName:           a.Status,
		PauseEndpointName:            a.Pause,
		ResumeEndpointName:           a.Resume,
		CancelSettlementEndpointName: a.CancelSettlement,
	}, operatorToken, []string{
		PauseEndpointName,
		ResumeEndpointName,
		CancelSettlementEndpointName,
	})
}
