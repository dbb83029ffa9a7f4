package app

import (
	"context"
	"fmt"
	"time"

	"github.com/bitsave/pools/internal/config"
	"github.com/bitsave/pools/internal/event_bus"
	"github.com/bitsave/pools/internal/utils"
	"github.com/bitsave/pools/pkg/flow"
	"github.com/bitsave/pools/pkg/gateway"
	"github.com/bitsave/pools/pkg/identity"
	"github.com/bitsave/pools/pkg/journal"
	"github.com/bitsave/pools/pkg/ledger"
	"github.com/bitsave/pools/pkg/plan"
	"github.com/bitsave/pools/pkg/token"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// Dependencies holds all services and handlers for the application.
type Dependencies struct {
	Clock    utils.Clock
	EventBus *event_bus.EventBus
	Network  token.Network

	Connector ledger.Connector
	Gateway   *gateway.Gateway
	Journal   journal.Repository

	Directory       *identity.Directory
	Resolver        *identity.Resolver
	IdentityHandler *identity.Handler

	PlanReader  *plan.Reader
	PlanService plan.Service
	PlanHandler *plan.Handler

	Planner     *flow.Planner
	FlowService *flow.ServiceImpl
	FlowHandler *flow.Handler

	closers []func()
}

// BuildDependencies initializes and wires all application services and handlers.
// db may be nil, in which case the journal is kept in memory.
func BuildDependencies(ctx context.Context, db *pgxpool.Pool, cfg config.Application) (*Dependencies, error) {
	deps := &Dependencies{}

	deps.Clock = &utils.SystemClock{}
	deps.EventBus = event_bus.NewEventBus()
	deps.Network = token.NetworkFor(cfg.Chain.Testnet)

	directory, err := identity.NewDirectory(cfg.Identity.Names)
	if err != nil {
		return nil, fmt.Errorf("invalid identity names: %w", err)
	}
	deps.Directory = directory
	deps.Resolver = identity.NewResolver(deps.Directory)
	deps.IdentityHandler = identity.NewHandler(deps.Resolver)

	connector, err := buildConnector(ctx, cfg.Chain, deps)
	if err != nil {
		return nil, err
	}
	deps.Connector = connector
	deps.Gateway = gateway.New(deps.Connector, cfg.Chain.ConfirmationTimeout)

	if db != nil {
		deps.Journal = journal.NewRepository(db, deps.Clock)
	} else {
		log.Warn("Database disabled, transaction journal is kept in memory")
		deps.Journal = journal.NewMemoryRepository(deps.Clock)
	}

	deps.PlanReader = plan.NewReader(deps.Connector, deps.Network.PoolsAddress)
	deps.closers = append(deps.closers, deps.PlanReader.Subscribe(deps.EventBus))
	deps.PlanService = plan.NewService(deps.PlanReader, deps.Network, deps.Resolver, deps.Clock)
	deps.PlanHandler = plan.NewHandler(deps.PlanService)

	deps.Planner = flow.NewPlanner(deps.PlanReader, deps.Network, deps.Resolver, deps.Clock)
	deps.FlowService = flow.NewService(deps.Planner, deps.Gateway, deps.Journal, deps.EventBus, deps.Clock, flow.MachineConfig{
		Confirmations: cfg.Chain.Confirmations,
		ExplorerUrl:   cfg.Chain.ExplorerUrl,
	})
	deps.FlowHandler = flow.NewHandler(deps.FlowService)

	return deps, nil
}

func buildConnector(ctx context.Context, cfg config.Chain, deps *Dependencies) (ledger.Connector, error) {
	if cfg.Simulated {
		log.Infof("Using simulated ledger for %s", deps.Network.Name)
		sim := ledger.NewSimulatedLedger(deps.Network.PoolsAddress, deps.Clock)
		sim.SetPollInterval(cfg.PollInterval)
		for _, tok := range deps.Network.Tokens {
			sim.SetDecimals(tok.Address, uint8(tok.Decimals))
			amount, err := token.ParseAmount(cfg.Faucet, tok.Decimals)
			if err != nil {
				return nil, fmt.Errorf("invalid faucet amount: %w", err)
			}
			for _, holder := range deps.Directory.Addresses() {
				sim.Mint(tok.Address, holder, amount)
			}
		}
		return sim, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	eth, err := ledger.DialEth(dialCtx, cfg.RpcUrl, cfg.PrivateKey, deps.Network.ChainId, deps.Network.PoolsAddress, cfg.PollInterval)
	if err != nil {
		return nil, err
	}
	log.Infof("Connected to %s at %s", deps.Network.Name, cfg.RpcUrl)
	deps.closers = append(deps.closers, eth.Close)
	return eth, nil
}

// Close stops running flows and releases the ledger connection.
func (d *Dependencies) Close() {
	d.FlowService.Close()
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// ReportPendingTransactions logs journal entries whose outcome was never observed, typically
// because the process stopped while waiting for a confirmation.
func (d *Dependencies) ReportPendingTransactions(ctx context.Context, explorerUrl string) {
	pending, err := d.Journal.ListPending(ctx)
	if err != nil {
		log.Errorf("Failed to list pending transactions: %v", err)
		return
	}
	for _, e := range pending {
		log.Warnf("Transaction %s of flow %s (%s, plan %d) is still %s: %s/tx/%s",
			e.TxHash, e.FlowId, e.StepKind, e.PlanId, e.Status, explorerUrl, e.TxHash)
	}
}
