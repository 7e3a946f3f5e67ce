package localdb

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ctrlsys/pvgate/internal/pvdata"
)

// demo record shapes
var (
	counterType = pvdata.NewType("demo:counter", []pvdata.Field{
		{Name: "value", Kind: pvdata.KindInt},
	})
	spinType = pvdata.NewType("demo:spin", []pvdata.Field{
		{Name: "phase", Kind: pvdata.KindFloat},
		{Name: "value", Kind: pvdata.KindFloat},
	})
)

// InstallDemo adds a counter and a spinning-phase record to the provider
// and advances them on the given interval until the context is cancelled.
// It makes a fresh gateway drivable without any external data source.
func InstallDemo(ctx context.Context, p *Provider, interval time.Duration, logger *zap.Logger) error {
	counter := p.CreatePV("demo:counter")
	if err := counter.Open(counterType); err != nil {
		return err
	}
	spin := p.CreatePV("demo:spin")
	if err := spin.Open(spinType); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var n int64
		var phase float64
		for {
			select {
			case <-ctx.Done():
				logger.Info("demo records stopping")
				return
			case <-ticker.C:
				n++
				cd := pvdata.NewValue(counterType)
				cd.Set("value", n)
				cc := pvdata.NewBitSet()
				if off, ok := counterType.Offset("value"); ok {
					cc.Set(off)
				}
				if err := counter.Post(cd, cc); err != nil {
					logger.Debug("demo counter post failed", zap.Error(err))
				}

				phase += 360.0 / 100.0
				sd := pvdata.NewValue(spinType)
				sd.Set("phase", phase)
				sd.Set("value", math.Sin(phase*math.Pi/180))
				sc := pvdata.NewBitSet().Set(0)
				if err := spin.Post(sd, sc); err != nil {
					logger.Debug("demo spin post failed", zap.Error(err))
				}
			}
		}
	}()

	logger.Info("demo records installed",
		zap.String("counter", counter.Name()),
		zap.String("spin", spin.Name()),
		zap.Duration("interval", interval),
	)
	return nil
}
