// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"context"
	"time"

	"pricing-platform/internal/app"
	"pricing-platform/internal/control"
	"pricing-platform/internal/registry"
	"pricing-platform/internal/worker"
)

// idleWait 跨 Job 认领为空时的等待间隔
const idleWait = 2 * time.Second

// App Worker 守护应用：不经 API kickoff，自驱动跨 Job 认领。
// API 为控制面，本进程为数据面；两者共用同一持久层语义
type App struct {
	bootstrap *app.Bootstrap
	runner    *worker.Runner
	shutdown  chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewApp 创建 Worker 应用
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config
	reg := registry.NewRegistry(bootstrap.Store, bootstrap.Logger)
	resolver := app.NewResolverFromConfig(bootstrap)
	policy := control.NewRetryPolicy(cfg.Worker.MaxAttemptsError, cfg.Worker.MaxAttemptsNotFound, time.Second)
	window := control.NewErrorWindow(100)
	runner := worker.NewRunner(bootstrap.Store, reg, resolver, policy, window, cfg.Worker, bootstrap.Logger)

	return &App{
		bootstrap: bootstrap,
		runner:    runner,
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start 启动守护循环；立即返回，循环在后台运行直到 Shutdown
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.bootstrap.Logger.Info("Worker 守护启动", "worker_id", a.runner.WorkerID())

	go func() {
		defer close(a.done)
		for {
			select {
			case <-a.shutdown:
				return
			default:
			}
			report, err := a.runner.RunSlice(ctx, "", a.bootstrap.Config.Worker.TargetSliceMs)
			if err != nil {
				a.bootstrap.Logger.Error("slice 执行失败", "error", err)
			}
			// 无活可干时退避，避免空转打满存储
			if err != nil || report.Claimed == 0 {
				select {
				case <-time.After(idleWait):
				case <-a.shutdown:
					return
				}
			}
		}
	}()

	return nil
}

// Shutdown 优雅关闭：停止认领，等待在途 slice 收尾
func (a *App) Shutdown(ctx context.Context) error {
	close(a.shutdown)
	select {
	case <-a.done:
	case <-ctx.Done():
		if a.cancel != nil {
			a.cancel()
		}
		<-a.done
	}
	a.bootstrap.Close()
	return nil
}
