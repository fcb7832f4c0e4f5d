package cli

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"chatd/internal/config"
	"chatd/internal/llm"
	"chatd/internal/logging"
	"chatd/internal/registry"
	"chatd/internal/service"
)

const closeTimeout = 10 * time.Second

// processConfig maps the llama block onto the subprocess runtime.
func processConfig(c config.LlamaConfig) llm.ProcessConfig {
	return llm.ProcessConfig{
		Bin:          c.Bin,
		Host:         c.Host,
		PortStart:    c.PortStart,
		PortEnd:      c.PortEnd,
		CtxSize:      c.CtxSize,
		Threads:      c.Threads,
		GPULayers:    c.GPULayers,
		ExtraArgs:    c.ExtraArgs,
		ReadyTimeout: c.ReadyTimeout(),
	}
}

// newService wires logging, metrics and the llama-server loader into a
// service.
func newService(cfg config.Config, loader llm.Loader) (*service.Service, error) {
	log := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	scfg, err := service.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	if loader == nil {
		loader = llm.NewLlamaLoader(processConfig(cfg.Llama), log)
	}
	log.Info().
		Str("device", scfg.Engine.Device.String()).
		Str("models_dir", scfg.ModelsDir).
		Str("llama_bin", cfg.Llama.Bin).
		Bool("warmup", scfg.Warmup).
		Msg("chatd starting")
	return service.New(scfg, loader,
		service.WithLogger(log),
		service.WithPublisher(service.NewLogPublisher(log)),
		service.WithMetrics(service.NewMetrics(cfg.MetricsTextfile)),
	), nil
}

func runServe(ctx context.Context, o *options, st Streams) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	svc, err := newService(cfg, nil)
	if err != nil {
		return err
	}
	serveErr := svc.Serve(ctx, st.In, st.Out)

	cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := svc.Close(cctx); err != nil && serveErr == nil {
		return fmt.Errorf("close: %w", err)
	}
	return serveErr
}

func runModels(o *options, st Streams, asJSON bool) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	models := registry.Catalog(cfg.ModelsDir, logging.New(st.Err, cfg.LogLevel, cfg.LogFormat))
	if asJSON {
		b, err := json.MarshalIndent(models, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(st.Out, string(b))
		return err
	}
	for _, m := range models {
		path := m.Path
		if path == "" {
			path = "-"
		}
		if _, err := fmt.Fprintf(st.Out, "%-24s %-8s %s\n", m.ID, m.Family, path); err != nil {
			return err
		}
	}
	return nil
}

func runDevices(st Streams) error {
	for _, d := range llm.DeviceInfo() {
		mark := "no"
		if d.Available {
			mark = "yes"
		}
		line := fmt.Sprintf("%-6s %-3s", d.Name, mark)
		if d.Note != "" {
			line += "  " + d.Note
		}
		if _, err := fmt.Fprintln(st.Out, line); err != nil {
			return err
		}
	}
	return nil
}
