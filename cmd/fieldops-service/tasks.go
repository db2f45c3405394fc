package main

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/geoyee/fieldops/internal/download"
	"github.com/geoyee/fieldops/internal/model"
	"github.com/geoyee/fieldops/internal/stats"
)

type TaskStatus string

const (
	StatusPending  TaskStatus = "pending"
	StatusRunning  TaskStatus = "running"
	StatusStopped  TaskStatus = "stopped"
	StatusComplete TaskStatus = "complete"
	StatusFailed   TaskStatus = "failed"
)

// Task 一个异步区域下载任务
type Task struct {
	ID      string
	Request download.Request

	mu        sync.RWMutex
	status    TaskStatus
	progress  model.DownloadProgress
	summary   *stats.Summary
	errors    map[string]int
	startTime time.Time
	endTime   time.Time
	err       string
	cancel    context.CancelFunc
	done      chan struct{}
}

// TaskView 任务的 JSON 表示
type TaskView struct {
	ID        string                 `json:"id"`
	RegionID  string                 `json:"region_id"`
	Name      string                 `json:"name"`
	Layer     string                 `json:"layer"`
	Status    TaskStatus             `json:"status"`
	Percent   float64                `json:"percent"`
	Progress  model.DownloadProgress `json:"progress"`
	Summary   *stats.Summary         `json:"summary,omitempty"`
	Errors    map[string]int         `json:"errors,omitempty"`
	StartTime time.Time              `json:"start_time"`
	EndTime   *time.Time             `json:"end_time,omitempty"`
	Duration  string                 `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

func (t *Task) View() TaskView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v := TaskView{
		ID:        t.ID,
		RegionID:  t.Request.ID,
		Name:      t.Request.Name,
		Layer:     t.Request.Layer,
		Status:    t.status,
		Progress:  t.progress,
		Summary:   t.summary,
		Errors:    t.errors,
		StartTime: t.startTime,
		Error:     t.err,
	}
	if t.progress.Total > 0 {
		v.Percent = float64(t.progress.Attempted()) / float64(t.progress.Total) * 100
	}
	if !t.endTime.IsZero() {
		end := t.endTime
		v.EndTime = &end
		v.Duration = end.Sub(t.startTime).Round(time.Millisecond).String()
	}
	return v
}

func (t *Task) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Done 任务结束时关闭
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Stop 取消运行中的任务, 任务未在运行时返回 false
func (t *Task) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning && t.status != StatusPending {
		return false
	}
	if t.cancel != nil {
		t.cancel()
	}
	return true
}

// TaskManager 按 ID 管理下载任务
type TaskManager struct {
	downloader *download.Downloader

	tasks map[string]*Task
	mu    sync.RWMutex
}

func NewTaskManager(d *download.Downloader) *TaskManager {
	return &TaskManager{
		downloader: d,
		tasks:      make(map[string]*Task),
	}
}

// Start 登记任务并在后台运行
func (tm *TaskManager) Start(id string, req download.Request) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{
		ID:        id,
		Request:   req,
		status:    StatusPending,
		startTime: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	tm.mu.Lock()
	tm.tasks[id] = task
	tm.mu.Unlock()

	go tm.run(ctx, task)
	return task
}

func (tm *TaskManager) run(ctx context.Context, task *Task) {
	defer close(task.done)
	defer task.cancel()

	task.mu.Lock()
	task.status = StatusRunning
	task.mu.Unlock()

	result, err := tm.downloader.DownloadRegion(ctx, task.Request, func(p model.DownloadProgress) {
		task.mu.Lock()
		task.progress = p
		task.mu.Unlock()
	})

	task.mu.Lock()
	defer task.mu.Unlock()
	task.endTime = time.Now()
	if result != nil {
		task.progress = result.Progress
		summary := result.Summary
		task.summary = &summary
		task.errors = result.Errors
	}
	switch {
	case errors.Is(err, download.ErrCancelled):
		task.status = StatusStopped
	case err != nil:
		task.status = StatusFailed
		task.err = err.Error()
	case task.progress.Completed == 0 && task.progress.Failed > 0:
		task.status = StatusFailed
		task.err = "every tile failed"
	default:
		task.status = StatusComplete
	}
}

func (tm *TaskManager) Get(id string) (*Task, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	task, ok := tm.tasks[id]
	return task, ok
}

// List 返回任务列表, 最新的在前
func (tm *TaskManager) List() []*Task {
	tm.mu.RLock()
	tasks := make([]*Task, 0, len(tm.tasks))
	for _, task := range tm.tasks {
		tasks = append(tasks, task)
	}
	tm.mu.RUnlock()
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].startTime.After(tasks[j].startTime)
	})
	return tasks
}

// Delete 必要时停止任务并将其移除
func (tm *TaskManager) Delete(id string) bool {
	tm.mu.Lock()
	task, ok := tm.tasks[id]
	delete(tm.tasks, id)
	tm.mu.Unlock()
	if ok {
		task.Stop()
	}
	return ok
}

// StopAll 取消所有任务并等待其结束或 ctx 结束
func (tm *TaskManager) StopAll(ctx context.Context) {
	for _, task := range tm.List() {
		task.Stop()
		select {
		case <-task.Done():
		case <-ctx.Done():
			return
		}
	}
}
