package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/agrilink/internal/api"
	"github.com/lox/agrilink/internal/catalog"
	"github.com/lox/agrilink/internal/classifier"
	"github.com/lox/agrilink/internal/logging"
	"github.com/lox/agrilink/internal/maintenance"
	"github.com/lox/agrilink/internal/models"
	"github.com/lox/agrilink/internal/notes"
	"github.com/lox/agrilink/internal/recommend"
	"github.com/lox/agrilink/internal/store"
	"github.com/lox/agrilink/internal/weather"
)

type Globals struct {
	EnvFile   kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to .env file.'"`
	DB        string                   `default:"data/agrilink.db" env:"AGRILINK_DB" help:"Path to SQLite database."`
	LogLevel  string                   `default:"info" env:"LOG_LEVEL" enum:"trace,debug,info,warn,error" help:"Log level."`
	LogFormat string                   `default:"console" env:"LOG_FORMAT" enum:"json,console" help:"Log output format."`
}

// EngineFlags configure the recommendation engine and its collaborators.
type EngineFlags struct {
	ArtifactDir    string        `default:"data/artifact" env:"AGRILINK_ARTIFACT_DIR" help:"Directory holding scaler.json, model.json and labels.json."`
	WeatherAPIKey  string        `env:"OPENWEATHER_API_KEY" help:"OpenWeatherMap API key."`
	WeatherURL     string        `env:"OPENWEATHER_URL" help:"Weather provider base URL."`
	WeatherTimeout time.Duration `default:"10s" env:"WEATHER_TIMEOUT" help:"Timeout for one weather lookup, retries included."`
	RainfallMode   string        `default:"daily" env:"RAINFALL_MODE" enum:"hourly,daily" help:"Report last-hour rainfall as is (hourly) or extrapolated to 24h (daily)."`
	RecordPayloads bool          `default:"true" negatable:"" help:"Store raw weather responses for audit."`
	OpenAIKey      string        `env:"OPENAI_API_KEY" help:"Enables model-written recommendation notes."`
	NotesModel     string        `default:"gpt-4o-mini" env:"AGRILINK_NOTES_MODEL" help:"Chat model for recommendation notes."`
}

type CLI struct {
	Globals

	Serve         ServeCmd         `cmd:"" help:"Run the HTTP API."`
	Migrate       MigrateCmd       `cmd:"" help:"Apply database migrations and exit."`
	Seed          SeedCmd          `cmd:"" help:"Load the crop catalog."`
	Recommend     RecommendCmd     `cmd:"" help:"Run one recommendation and print it as JSON."`
	PrunePayloads PrunePayloadsCmd `cmd:"" name:"prune-payloads" help:"Delete stored weather payloads older than --days."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("agrilink"),
		kong.Description("Crop recommendations from soil tests and local weather."),
		kong.UsageOnError(),
	)
	logging.Init(logging.Config{Level: cli.LogLevel, Format: cli.LogFormat})

	if err := kctx.Run(&cli.Globals); err != nil {
		logging.Error().Err(err).Str("command", kctx.Command()).Msg("command failed")
		os.Exit(1)
	}
}

type ServeCmd struct {
	EngineFlags

	Port            string        `default:"8080" env:"PORT" help:"HTTP server port."`
	RecommendLimit  int           `default:"30" help:"Recommend calls allowed per client IP per window (0 disables)."`
	RecommendWindow time.Duration `default:"1m" help:"Rate limit window."`
	TrustProxy      bool          `env:"AGRILINK_TRUST_PROXY" help:"Take client IPs from X-Forwarded-For (only behind a proxy that sets it)."`
	PayloadDays     int           `default:"30" help:"Weather payload retention in days (0 keeps them forever)."`
	SeedCatalog     bool          `default:"true" negatable:"" help:"Seed the embedded crop catalog when the crops table is empty."`
}

func (c *ServeCmd) Run(g *Globals) error {
	db, st, err := openStore(g.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	if c.SeedCatalog {
		if err := seedIfEmpty(context.Background(), st); err != nil {
			return err
		}
	}

	engine, err := buildEngine(c.EngineFlags, st)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if c.PayloadDays > 0 {
		go maintenance.NewScheduler(st, c.PayloadDays, 24*time.Hour).Run(ctx)
	}

	server := api.NewServer(st, engine, c.Port, api.Options{
		RecommendLimit:  c.RecommendLimit,
		RecommendWindow: c.RecommendWindow,
		TrustProxy:      c.TrustProxy,
	})
	logging.Info().Str("port", c.Port).Msg("starting server")
	return server.Run(ctx)
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(g *Globals) error {
	db, st, err := openStore(g.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := st.MigrationVersion()
	if err != nil {
		return err
	}
	logging.Info().Int("version", version).Msg("database migrated")
	return nil
}

type SeedCmd struct {
	File string `type:"existingfile" help:"YAML crop catalog; the embedded catalog when omitted."`
}

func (c *SeedCmd) Run(g *Globals) error {
	db, st, err := openStore(g.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	return seed(context.Background(), st, c.File)
}

type RecommendCmd struct {
	EngineFlags

	User         string   `default:"cli" help:"Owner of the stored sample."`
	Nitrogen     float64  `required:"" short:"n"`
	Phosphorus   float64  `required:"" short:"p"`
	Potassium    float64  `required:"" short:"k"`
	PH           float64  `required:"" name:"ph"`
	Temperature  *float64 `help:"Temperature in C; fetched when omitted."`
	Rainfall     *float64 `help:"Rainfall in mm; fetched when omitted."`
	Humidity     *float64 `help:"Relative humidity in percent."`
	Latitude     *float64 `name:"lat"`
	Longitude    *float64 `name:"lon"`
	LocationName string   `name:"location"`
}

func (c *RecommendCmd) Run(g *Globals) error {
	db, st, err := openStore(g.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if err := seedIfEmpty(ctx, st); err != nil {
		return err
	}
	engine, err := buildEngine(c.EngineFlags, st)
	if err != nil {
		return err
	}

	res, err := engine.Recommend(ctx, recommend.Input{
		UserID:       c.User,
		LocationName: c.LocationName,
		Latitude:     c.Latitude,
		Longitude:    c.Longitude,
		Nitrogen:     c.Nitrogen,
		Phosphorus:   c.Phosphorus,
		Potassium:    c.Potassium,
		PH:           c.PH,
		Rainfall:     c.Rainfall,
		Temperature:  c.Temperature,
		Humidity:     c.Humidity,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"crop":           res.Crop.Name,
		"confidence":     res.Recommendation.Confidence,
		"notes":          res.Recommendation.Notes,
		"soil_sample_id": res.Sample.ID,
		"features":       featureMap(res.Sample),
	})
}

type PrunePayloadsCmd struct {
	Days int `default:"30" help:"Keep payloads newer than this many days."`
}

func (c *PrunePayloadsCmd) Run(g *Globals) error {
	if c.Days <= 0 {
		return fmt.Errorf("--days must be positive")
	}
	db, st, err := openStore(g.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	n := maintenance.NewScheduler(st, c.Days, 0).PruneOnce(context.Background())
	logging.Info().Int64("removed", n).Int("days", c.Days).Msg("prune complete")
	return nil
}

func openStore(path string) (*sql.DB, *store.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return db, st, nil
}

func seed(ctx context.Context, st *store.Store, file string) error {
	crops, err := catalog.Default()
	if file != "" {
		crops, err = catalog.ReadFile(file)
	}
	if err != nil {
		return err
	}
	for i := range crops {
		if err := st.UpsertCrop(ctx, &crops[i]); err != nil {
			return err
		}
	}
	logging.Info().Int("crops", len(crops)).Msg("catalog seeded")
	return nil
}

func seedIfEmpty(ctx context.Context, st *store.Store) error {
	counts, err := st.Counts(ctx)
	if err != nil {
		return err
	}
	if counts.Crops > 0 {
		return nil
	}
	return seed(ctx, st, "")
}

// buildEngine loads the artifact once. A load failure is logged and yields
// an engine that reports itself unavailable.
func buildEngine(f EngineFlags, st *store.Store) (*recommend.Engine, error) {
	artifact, err := classifier.Load(f.ArtifactDir)
	if err != nil {
		logging.Error().Err(err).Str("dir", f.ArtifactDir).Msg("classification artifact failed to load, recommendations disabled")
		return recommend.NewUnavailable(err), nil
	}

	mode, err := weather.ParseRainfallMode(f.RainfallMode)
	if err != nil {
		return nil, err
	}
	if f.WeatherAPIKey == "" {
		logging.Warn().Msg("OPENWEATHER_API_KEY not set, requests without temperature and rainfall will fail")
	}
	wcfg := weather.Config{
		APIKey:       f.WeatherAPIKey,
		BaseURL:      f.WeatherURL,
		Timeout:      f.WeatherTimeout,
		RainfallMode: mode,
	}
	if f.RecordPayloads {
		wcfg.Recorder = st
	}

	var opts []recommend.Option
	if f.OpenAIKey != "" {
		w, err := notes.NewOpenAIWriter(f.OpenAIKey, f.NotesModel, 0)
		if err != nil {
			return nil, err
		}
		opts = append(opts, recommend.WithNotes(w))
		logging.Info().Str("model", f.NotesModel).Msg("model-written notes enabled")
	}

	return recommend.NewEngine(artifact, weather.NewClient(wcfg), st, opts...), nil
}

// featureMap lists the values the classifier saw, in feature order.
func featureMap(ss models.SoilSample) map[string]any {
	f := models.Features{
		Nitrogen:    ss.Nitrogen,
		Phosphorus:  ss.Phosphorus,
		Potassium:   ss.Potassium,
		Temperature: ss.Temperature.Float64,
		Rainfall:    ss.Rainfall.Float64,
		PH:          ss.PH,
	}
	out := make(map[string]any, models.FeatureCount+1)
	for i, v := range f.Vector() {
		out[models.FeatureNames[i]] = v
	}
	if ss.Humidity.Valid {
		out["humidity"] = ss.Humidity.Float64
	}
	return out
}
