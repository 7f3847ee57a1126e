//go:build wireinject
// +build wireinject

package di

import (
	"FeatPull/pkg/config"
	"FeatPull/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideStores,
		ProvideCache,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,

		// Repositories and adapters
		ProvideFeaturePublisher,
		ProvideCandleSource,
		ProvideClassifier,
		ProvideBudget,

		// Feature pipeline
		ProvideFetcher,
		ProvideLabelGenerator,
		ProvideFeatureMerger,
		ProvideNormalizer,
		ProvidePipeline,
		ProvideScheduler,
		ProvideJobQueue,

		// Live bars
		ProvideBarCollector,
		ProvideKafkaBarsHandler,

		// Application server
		ProvideHTTPHandler,
		ProvideHTTPServer,
		ProvideApp,
	)
	return nil, nil, nil
}
