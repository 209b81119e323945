// Copyright 2024 coScene
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

package trigger

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/coscene-io/coscout/internal/platform"
	"github.com/coscene-io/coscout/internal/remoteconfig"
)

// RuleExecutor drives one input stream's worth of data items through the
// currently-compiled Engine, periodically refreshing the engine from the
// device's diagnosis rule sets -- RuleExecutor's exact cadence: refresh
// on startup, on a 30s gap between items (keeps a dormant stream from
// running on rule sets that a task already re-enabled/disabled), and
// every 1 minute regardless.
type RuleExecutor struct {
	Name       string
	Client     *platform.Client
	Evaluator  Evaluator
	UploadFn   UploadFunc
	Logger     *zap.SugaredLogger

	remoteRule *RemoteRule
	configs    []map[string]any
	engine     *Engine
}

// NewRuleExecutor builds a RuleExecutor and compiles its initial engine.
func NewRuleExecutor(ctx context.Context, name string, client *platform.Client, cacheDir string, evaluator Evaluator, uploadFn UploadFunc, logger *zap.SugaredLogger) *RuleExecutor {
	cache := remoteconfig.New(cacheDir, fetcherFor(ctx, client), logger)
	e := &RuleExecutor{
		Name:      name,
		Client:    client,
		Evaluator: evaluator,
		UploadFn:  uploadFn,
		Logger:    logger,
		remoteRule: &RemoteRule{
			Client: client,
			Cache:  cache,
			Logger: logger,
		},
	}
	e.UpdateConfig(ctx)
	return e
}

// UpdateConfig re-reads the device's diagnosis rule sets and rebuilds the
// engine only if the configuration actually changed.
func (e *RuleExecutor) UpdateConfig(ctx context.Context) {
	newConfigs := e.remoteRule.ListDeviceDiagnosisRules(ctx)
	if configsEqual(newConfigs, e.configs) {
		return
	}
	e.configs = newConfigs
	e.engine = buildEngineFromConfig(ctx, e.Evaluator, e.configs, e.UploadFn, e.Client, e.Logger)
}

func configsEqual(a, b []map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(aj) == string(bj)
}

// ConsumeChunk reads items from the input stream until it's closed or ctx
// is canceled, feeding each into the current engine and refreshing the
// engine on the gap/elapsed schedule described on RuleExecutor.
func (e *RuleExecutor) ConsumeChunk(ctx context.Context, input <-chan DataItem) {
	if e.Logger != nil {
		e.Logger.Infow("consume_chunk started", "name", e.Name)
	}
	start := time.Now()
	lastItemRead := start

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-input:
			if !ok {
				if e.Logger != nil {
					e.Logger.Infow("consume_chunk ended", "name", e.Name)
				}
				return
			}
			if time.Since(lastItemRead) > 30*time.Second {
				e.UpdateConfig(ctx)
			}
			e.engine.ConsumeNext(item, e.Logger)
			if time.Since(start) > time.Minute {
				e.UpdateConfig(ctx)
				start = time.Now()
			}
			lastItemRead = time.Now()
		}
	}
}

// Execute runs ConsumeChunk against input until the stream ends.
func (e *RuleExecutor) Execute(ctx context.Context, input <-chan DataItem) {
	e.ConsumeChunk(ctx, input)
}
