// Command transferflow trains an image regressor (or binary classifier) on
// a directory of labeled images.
//
//	transferflow -config run.yaml -data ./images -epochs 5 -weights-out model.json.xz
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"transferflow/config"
	"transferflow/dataset"
	"transferflow/history"
	"transferflow/model"
	flow "transferflow/src"
	"transferflow/system"
	"transferflow/trainer"
)

func main() {
	klog.InitFlags(nil)
	var (
		configPath  = flag.String("config", "", "YAML run configuration (defaults apply when empty)")
		data        = flag.String("data", "", "image root laid out as <root>/<class>/<images>")
		epochs      = flag.Int("epochs", -1, "override trainer.epochs")
		weightsOut  = flag.String("weights-out", "", "write trained weights here (.xz compresses)")
		historyPath = flag.String("history", "", "SQLite database receiving per-epoch records")
		printConfig = flag.Bool("print-config", false, "print the effective configuration and exit")
	)
	flag.Parse()
	defer klog.Flush()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			klog.Exitf("%v", err)
		}
	}
	if *data != "" {
		cfg.Data = *data
	}
	if *epochs >= 0 {
		cfg.Trainer.Epochs = *epochs
	}
	if *weightsOut != "" {
		cfg.WeightsOut = *weightsOut
	}
	if *historyPath != "" {
		cfg.History = *historyPath
	}
	if err := cfg.Validate(); err != nil {
		klog.Exitf("%v", err)
	}

	rendered, err := cfg.Encode()
	if err != nil {
		klog.Exitf("%v", err)
	}
	if *printConfig {
		fmt.Print(string(rendered))
		return
	}
	if cfg.Data == "" {
		klog.Exitf("no image root: pass -data or set data in the config file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, string(rendered)); err != nil {
		klog.Exitf("%v", err)
	}
}

func run(ctx context.Context, cfg config.File, rendered string) error {
	host, err := system.Probe(ctx)
	if err != nil {
		klog.Warningf("%v", err)
	}
	klog.Infof("host: %s", host)
	cfg.Dataset.Workers = host.DecodeWorkers(cfg.Dataset.Workers)
	flow.Workers = host.KernelWorkers()
	host.CheckBatch(cfg.Dataset)

	train, test, err := loadStreams(cfg.Data, cfg.Dataset)
	if err != nil {
		return err
	}

	m, err := model.New(cfg.Model)
	if err != nil {
		return err
	}
	klog.V(1).Infof("model:\n%s", m.Summary())

	var opts []trainer.Option
	if cfg.History != "" {
		store, err := history.Open(ctx, cfg.History)
		if err != nil {
			return err
		}
		defer store.Close()
		runID, err := store.BeginRun(ctx, rendered)
		if err != nil {
			return err
		}
		klog.Infof("history: run %d in %s", runID, cfg.History)
		opts = append(opts, trainer.OnEpoch(func(r trainer.EpochRecord) error {
			return store.Append(ctx, runID, r)
		}))
	}

	res, err := trainer.Train(ctx, m, train, test, cfg.Trainer, opts...)
	if err != nil {
		return err
	}
	if n := len(res.History); n > 0 {
		last := res.History[n-1]
		klog.Infof("done after %d epochs: loss %.4f %s %.4f val_loss %.4f val_%s %.4f",
			n, last.Loss, last.MetricName, last.Metric, last.ValLoss, last.MetricName, last.ValMetric)
	}

	if cfg.WeightsOut != "" {
		if err := res.Model.Save(cfg.WeightsOut); err != nil {
			return err
		}
		klog.Infof("weights written to %s", cfg.WeightsOut)
	}
	return nil
}

// loadStreams opens both sides of the split. test is nil when the split
// leaves no validation images, and training then runs without validation.
func loadStreams(root string, cfg dataset.Config) (train, test *dataset.Stream, err error) {
	train, err = dataset.LoadTrain(root, cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.ValidationSplit > 0 {
		test, err = dataset.LoadTest(root, cfg)
		switch {
		case errors.Is(err, dataset.ErrEmptySubset):
			klog.Warningf("data: %v; training without validation", err)
			test = nil
		case err != nil:
			return nil, nil, err
		}
	}
	validation := 0
	if test != nil {
		validation = test.Samples()
	}
	klog.Infof("data: %d training, %d validation images in classes %v", train.Samples(), validation, train.Classes())
	return train, test, nil
}
