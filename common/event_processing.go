// Copyright 2021-2022 The httpmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"fmt"
	"hash/fnv"
	"reflect"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// TaskHandler a handler function which execute a task based on parameters
type TaskHandler func(taskParam interface{}) error

// KeyedTaskParam is a task parameter which must be processed in order with all other
// task parameters sharing the same routing key
type KeyedTaskParam interface {
	// RoutingKey returns the key used to select the worker
	RoutingKey() string
}

// TaskProcessor processing module for implementing an event loop model
type TaskProcessor interface {
	// Submit submit a new task parameter for processing
	Submit(ctxt context.Context, newTaskParam interface{}) error
	// ProcessNewTaskParam process a new task param
	ProcessNewTaskParam(newTaskParam interface{}) error
	// SetTaskExecutionMap update the task param to execution mapping
	SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error
	// AddToTaskExecutionMap add a new entry to the task param to execution mapping
	AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error
	// StartEventLoop start the event loop
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stop the event loop
	StopEventLoop() error
}

// taskProcessorImpl implement TaskProcessor
type taskProcessorImpl struct {
	goutils.Component
	name          string
	operationCtx  context.Context
	contextCancel context.CancelFunc
	newTasks      chan interface{}
	executionMap  map[reflect.Type]TaskHandler
	lock          sync.RWMutex
}

// GetNewTaskProcessorInstance get instance of TaskProcessor
func GetNewTaskProcessorInstance(
	ctxt context.Context, name string, taskBuffer int,
) (TaskProcessor, error) {
	logTags := log.Fields{
		"module": "common", "component": "task-processor", "instance": name,
	}
	optCtxt, cancel := context.WithCancel(ctxt)
	return &taskProcessorImpl{
		Component:     goutils.Component{LogTags: logTags},
		name:          name,
		operationCtx:  optCtxt,
		contextCancel: cancel,
		newTasks:      make(chan interface{}, taskBuffer),
		executionMap:  make(map[reflect.Type]TaskHandler),
	}, nil
}

// Submit submit a new task parameter for processing
func (p *taskProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	if p.operationCtx.Err() != nil {
		return fmt.Errorf("[TP %s] event loop stopped", p.name)
	}
	select {
	case p.newTasks <- newTaskParam:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-p.operationCtx.Done():
		return fmt.Errorf("[TP %s] event loop stopped", p.name)
	}
}

// SetTaskExecutionMap update the task param to execution mapping
func (p *taskProcessorImpl) SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error {
	log.WithFields(p.LogTags).Debug("Changing task execution mapping")
	p.lock.Lock()
	defer p.lock.Unlock()
	p.executionMap = newMap
	return nil
}

// AddToTaskExecutionMap add a new entry to the task param to execution mapping
func (p *taskProcessorImpl) AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error {
	log.WithFields(p.LogTags).Debugf("Appending to task execution mapping for %s", theType)
	p.lock.Lock()
	defer p.lock.Unlock()
	p.executionMap[theType] = handler
	return nil
}

// StopEventLoop stop the task param processing event loop
func (p *taskProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loop")
	p.contextCancel()
	return nil
}

// ProcessNewTaskParam process a new task param
func (p *taskProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	p.lock.RLock()
	theHandler, ok := p.executionMap[reflect.TypeOf(newTaskParam)]
	mapSize := len(p.executionMap)
	p.lock.RUnlock()
	if mapSize == 0 {
		return fmt.Errorf("[TP %s] No task execution mapping set", p.name)
	}
	if !ok {
		return fmt.Errorf(
			"[TP %s] No matching handler found for %s", p.name, reflect.TypeOf(newTaskParam),
		)
	}
	return theHandler(newTaskParam)
}

// StartEventLoop start the event loop
func (p *taskProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loop")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(p.LogTags).Info("Event loop exiting")
		for {
			select {
			case <-p.operationCtx.Done():
				return
			case newTaskParam, ok := <-p.newTasks:
				if !ok {
					log.WithFields(p.LogTags).Error(
						"Event loop terminating. Failed to read new task param",
					)
					return
				}
				if err := p.ProcessNewTaskParam(newTaskParam); err != nil {
					log.WithError(err).WithFields(p.LogTags).Error("Failed to process new task param")
				}
			}
		}
	}()
	return nil
}

// ==============================================================================

// taskDemuxProcessorImpl implement TaskProcessor but support multiple parallel workers
//
// Task params implementing KeyedTaskParam always land on the same worker for a given
// key, so they are processed in submission order. Other params are spread round-robin.
type taskDemuxProcessorImpl struct {
	goutils.Component
	name     string
	input    TaskProcessor
	workers  []TaskProcessor
	routeIdx int
}

// GetNewTaskDemuxProcessorInstance get instance of TaskDemuxProcessor
func GetNewTaskDemuxProcessorInstance(
	ctxt context.Context, name string, taskBuffer int, workerNum int,
) (TaskProcessor, error) {
	if workerNum < 1 {
		return nil, fmt.Errorf("[TDP %s] at least one worker needed", name)
	}
	inputTP, err := GetNewTaskProcessorInstance(ctxt, fmt.Sprintf("%s.input", name), taskBuffer)
	if err != nil {
		return nil, err
	}
	workers := make([]TaskProcessor, workerNum)
	for itr := 0; itr < workerNum; itr++ {
		workerTP, err := GetNewTaskProcessorInstance(
			ctxt, fmt.Sprintf("%s.worker.%d", name, itr), taskBuffer,
		)
		if err != nil {
			return nil, err
		}
		workers[itr] = workerTP
	}
	logTags := log.Fields{
		"module": "common", "component": "task-demux-processor", "instance": name,
	}
	return &taskDemuxProcessorImpl{
		Component: goutils.Component{LogTags: logTags},
		name:      name,
		input:     inputTP,
		workers:   workers,
		routeIdx:  0,
	}, nil
}

// Submit submit a new task parameter for processing
func (p *taskDemuxProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	return p.input.Submit(ctxt, newTaskParam)
}

// selectWorker pick the worker for a task param
func (p *taskDemuxProcessorImpl) selectWorker(newTaskParam interface{}) TaskProcessor {
	if keyed, ok := newTaskParam.(KeyedTaskParam); ok {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(keyed.RoutingKey()))
		return p.workers[int(hasher.Sum32()%uint32(len(p.workers)))]
	}
	// Only called from the input event loop, so routeIdx needs no locking
	defer func() { p.routeIdx = (p.routeIdx + 1) % len(p.workers) }()
	return p.workers[p.routeIdx]
}

// ProcessNewTaskParam given a new task, route it to a worker
func (p *taskDemuxProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	log.WithFields(p.LogTags).Debugf("Routing new %s", reflect.TypeOf(newTaskParam))
	return p.selectWorker(newTaskParam).Submit(context.Background(), newTaskParam)
}

// SetTaskExecutionMap update the task execution map for all workers
func (p *taskDemuxProcessorImpl) SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error {
	for _, worker := range p.workers {
		_ = worker.SetTaskExecutionMap(newMap)
	}
	// Create a different version of the input to route to worker
	inputMap := map[reflect.Type]TaskHandler{}
	for msgType := range newMap {
		inputMap[msgType] = p.ProcessNewTaskParam
	}
	return p.input.SetTaskExecutionMap(inputMap)
}

// AddToTaskExecutionMap add a new entry to the task param to execution mapping
func (p *taskDemuxProcessorImpl) AddToTaskExecutionMap(
	theType reflect.Type, handler TaskHandler,
) error {
	for _, worker := range p.workers {
		_ = worker.AddToTaskExecutionMap(theType, handler)
	}
	return p.input.AddToTaskExecutionMap(theType, p.ProcessNewTaskParam)
}

// StartEventLoop start the event loops
func (p *taskDemuxProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loops")
	for _, worker := range p.workers {
		_ = worker.StartEventLoop(wg)
	}
	return p.input.StartEventLoop(wg)
}

// StopEventLoop stop the event loops
func (p *taskDemuxProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loops")
	_ = p.input.StopEventLoop()
	for _, worker := range p.workers {
		_ = worker.StopEventLoop()
	}
	return nil
}
