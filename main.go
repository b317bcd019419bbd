package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"github.com/prometheus/exporter-toolkit/web"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/helpcomp/ynab-splitwise-importer/classify"
	"github.com/helpcomp/ynab-splitwise-importer/config"
	"github.com/helpcomp/ynab-splitwise-importer/prom"
	"github.com/helpcomp/ynab-splitwise-importer/splitwise"
	"github.com/helpcomp/ynab-splitwise-importer/store"
	"github.com/helpcomp/ynab-splitwise-importer/ynab"
)

const AppName = "ynab-splitwise-importer"
const AppDesc = "Go-based service that settles your Splitwise groups into YNAB. It reconciles shared expenses against settlement payments, categorizes each line, and posts a single split transaction to your budget."

var cli struct {
	MetricsPath       string `env:"EXPORTER_METRICS_PATH" help:"${env} - Path under which to expose metrics" default:"/metrics"`
	ConfigPath        string `env:"CONFIG_PATH" help:"${env} - Path to config file" default:"./config.yml"`
	ListenAddress     string `env:"EXPORTER_LISTEN_ADDRESS" help:"${env} - Address to listen on for web interface and telemetry" default:"9718"`
	DatabasePath      string `env:"DATABASE_PATH" help:"${env} - Path to the SQLite database file" default:"./importer.db"`
	SplitwiseToken    string `env:"SPLITWISE_TOKEN" help:"${env} - Splitwise API Token" required:""`
	SplitwiseGroupID  int64  `env:"SPLITWISE_GROUP_ID" help:"${env} - Splitwise Group to reconcile" required:""`
	YnabToken         string `env:"YNAB_TOKEN" help:"${env} - YNAB Personal Access Token" required:""`
	YnabBudgetID      string `env:"YNAB_BUDGET_ID" help:"${env} - YNAB Budget ID" required:""`
	YnabAccountID     string `env:"YNAB_ACCOUNT_ID" help:"${env} - YNAB Account the settlement posts against" required:""`
	PayeeName         string `env:"PAYEE_NAME" help:"${env} - Payee name on posted settlements" default:"Venmo"`
	OpenAIAPIKey      string `env:"OPENAI_API_KEY" help:"${env} - API Key for OpenAI. If none is provided, OpenAI support is disabled"`
	OpenAIModel       string `env:"OPENAI_MODEL" help:"${env} - OpenAI Model type. Default is gpt-4o-mini" default:"gpt-4o-mini"`
	AzureAIAPIKey     string `env:"AZURE_API_KEY" help:"${env} - API Key for Azure OpenAI. If none is provided, OpenAI support is disabled"`
	AzureEndpoint     string `env:"AZURE_ENDPOINT" help:"${env} - Azure OpenAI Endpoint"`
	RefreshTime       uint16 `env:"REFRESH_TIME" help:"${env} - Time in minutes between settlement checks (Default 1440 / 1 day)" default:"1440"`
	EnablePrometheus  bool   `env:"ENABLE_PROMETHEUS" help:"${env} - Enable Prometheus metrics" default:"true"`
	Once              bool   `env:"RUN_ONCE" help:"${env} - Process the latest settlement once and exit" default:"false"`
	DryRun            bool   `env:"DEBUG_DRY_RUN" help:"${env} - Reconcile and categorize but do not post to YNAB (Debug)" default:"false"`
}

func main() {
	// Variable Setup //
	///////////////////
	kong.Parse(&cli,
		kong.Name(AppName),
		kong.Description(AppDesc),
	)
	log.Logger = log.Output(os.Stderr).With().Caller().Logger()                                    // Logger
	var oai *openai.Client                                                                         // OpenAI
	sw := splitwise.New(&http.Client{Timeout: time.Second * 30}, cli.SplitwiseToken)               // Splitwise
	yn := ynab.New(&http.Client{Timeout: time.Second * 30}, cli.YnabToken)                         // YNAB
	cfg := config.InitConfig(cli.ConfigPath)                                                       // Config

	// AI Setup //
	/////////////
	// OpenAI
	if cli.OpenAIAPIKey != "" {
		oai = openai.NewClient(cli.OpenAIAPIKey)
	}
	// AzureAI
	if cli.AzureAIAPIKey != "" {
		if cli.AzureEndpoint == "" {
			log.Error().Msg("Azure Endpoint is required if Azure API Key is provided")
		} else {
			oai = openai.NewClientWithConfig(openai.DefaultAzureConfig(cli.AzureAIAPIKey, cli.AzureEndpoint))
		}
	}

	// Storage //
	////////////
	st, err := store.Open(cli.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("Path", cli.DatabasePath).Msg("Could not open database")
	}
	defer func() { _ = st.Close() }()

	// Categorizer //
	////////////////
	opts := classify.DefaultOptions()
	opts.ConfidenceThreshold = cfg.Categorize.ConfidenceThreshold
	opts.Workers = cfg.Categorize.Workers
	opts.Timeout = time.Duration(cfg.Categorize.TimeoutSeconds) * time.Second
	opts.SignaturePrefix = cfg.Categorize.SignaturePrefix
	opts.Rules = cfg.Rules()

	var gateway classify.Gateway
	if oai != nil {
		gateway = classify.NewClassifier(oai, cli.OpenAIModel)
	} else {
		log.Info().Msg("No OpenAI credentials provided. Uncached expenses will be flagged for review.")
	}
	categorizer := classify.New(st, gateway, opts)

	app := NewSettlementApp(sw, yn, st, categorizer, cfg,
		cli.SplitwiseGroupID, cli.YnabBudgetID, cli.YnabAccountID, cli.PayeeName, cli.DryRun)

	// Start //
	///////////
	log.Logger.Info().
		Str("version", version.Info()).
		Msg("Starting " + AppName)

	runOnce := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := app.ProcessLatestSettlement(ctx); err != nil {
			prom.ProgramErrors++
			log.Error().Err(err).Msg("Settlement run failed")
		}
	}

	if cli.Once {
		runOnce()
		return
	}

	// Create a channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	// Refresher
	ticker := time.NewTicker(time.Duration(cli.RefreshTime) * time.Minute)
	quit := make(chan struct{})

	// Immediately start a settlement pass in the background
	go runOnce()

	// No Prometheus Support, refresh only
	if !cli.EnablePrometheus {
		log.Info().Msg("Prometheus metrics are disabled. Refresh only.")
		for {
			select {
			case <-ticker.C:
				runOnce()
			case <-quit:
				ticker.Stop()
				return
			case sig := <-sigChan:
				log.Info().Msgf("Received signal %s. Exiting...", sig)
				ticker.Stop()
				return
			}
		}
	}

	// Prometheus Support. Refresh and Metrics
	go func() {
		for {
			select {
			case <-ticker.C:
				runOnce()
			case <-quit:
				ticker.Stop()
				return
			}
		}
	}()

	// Metric Registration
	prometheus.MustRegister(
		versioncollector.NewCollector(AppName),
		prom.NewExporter(AppName),
	)

	// HTTP Server
	http.Handle(cli.MetricsPath, promhttp.Handler())
	if cli.MetricsPath != "/" && cli.MetricsPath != "" {
		landingConfig := web.LandingConfig{
			Name:        AppName,
			Description: AppDesc,
			Version:     version.Print(AppName),
			Links: []web.LandingLinks{
				{
					Address: cli.MetricsPath,
					Text:    "Metrics",
				},
				{
					Address: "/health",
					Text:    "Health",
				},
			},
		}
		landingPage, err := web.NewLandingPage(landingConfig)

		if err != nil {
			log.Fatal().Err(err).Msg("")
		}
		http.Handle("/", landingPage)
		http.HandleFunc("/health", prom.HealthHandler)
	}

	log.Info().Msgf("Starting HTTP server on listen address :%s and metric path %s", cli.ListenAddress, cli.MetricsPath)

	server := &http.Server{
		Addr:         ":" + cli.ListenAddress,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Listen and serve
	go func() {
		log.Printf("Server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Error starting HTTP server")
		}
	}()

	// Handle shutdown
	<-sigChan
	log.Info().Msg("Shutdown Signal Received")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log.Info().Msg("Shutting down HTTP server...")
	_ = server.Shutdown(ctx)
	log.Info().Msg("Stopping settlement ticker")
	ticker.Stop()
	log.Info().Msg("Shutdown Complete; Exiting...")
}
