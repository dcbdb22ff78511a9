//go:build wireinject
// +build wireinject

package di

import (
	"CandlePull/internal/usecase"
	"CandlePull/pkg/config"
	"CandlePull/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideLogger,
		ProvideMetrics,
		ProvideCandleStore,
		ProvideRedisClient,

		// Repositories
		ProvideWatchlistStore,
		ProvideOrderBookCache,
		ProvideEventSinks,

		// Use cases
		ProvideHarvester,
		ProvideWatchlistRegistry,
		usecase.NewRetryLedger,
		ProvideNotifier,
		ProvideScheduler,
		ProvideCandlesUseCase,
		ProvideKafkaConsumer,
		ProvideWatchlistCommandHandler,

		// Transport and application server
		ProvideHTTPServer,
		ProvideApp,
	)
	return &server.App{}, nil
}
