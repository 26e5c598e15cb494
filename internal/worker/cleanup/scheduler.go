package cleanup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler はcron式に従ってCleanupJobを定期実行する。
type Scheduler struct {
	job    *CleanupJob
	logger *slog.Logger
	cron   *cron.Cron
}

// NewScheduler はSchedulerを生成する。specは5フィールドのcron式または@daily等の記述子。
func NewScheduler(job *CleanupJob, spec string, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		job:    job,
		logger: logger,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}

	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start は起動直後に1回ジョブを実行し、以降はスケジュールに従って実行する。
// ctxがキャンセルされるまでブロックし、実行中のジョブの完了を待ってから戻る。
func (s *Scheduler) Start(ctx context.Context) {
	s.runOnce()

	s.cron.Start()
	s.logger.Info("cleanup scheduler started")

	<-ctx.Done()

	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("cleanup scheduler stopped")
}

func (s *Scheduler) runOnce() {
	// 個々の実行はスケジューラの停止とは独立に完了させる
	if err := s.job.Run(context.Background()); err != nil {
		s.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}
}
