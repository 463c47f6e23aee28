// snowpatch - continuous integration for patch-based workflows
//
// Copyright (C) 2021 IBM Corporation
// Authors:
//     Russell Currey <ruscur@russell.cc>
//     Andrew Donnellan <andrew.donnellan@au1.ibm.com>
//
// This program is free software; you can redistribute it and/or modify it
// under the terms of the GNU General Public License as published by the Free
// Software Foundation; either version 2 of the License, or (at your option)
// any later version.
//
// github.go - GitHub Actions backend

package runner

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v34/github"
	"golang.org/x/oauth2"

	"github.com/ruscur/snowpatch/patchwork"
)

// GitHub Actions needs a moment between a push landing and workflows
// showing up in the API, so StartWork waits for them to appear.
const (
	startTimeout = 600 * time.Second
	startPoll    = 30 * time.Second
)

// GitHubActions drives workflows in one GitHub repository.  Workflows
// trigger on push, so StartWork only confirms they exist; outcomes come
// from polling run state.
type GitHubActions struct {
	client *github.Client
	owner  string
	repo   string
	logger *log.Logger
}

// NewGitHubActions builds a backend for the repository named by rawURL,
// which must carry the full owner/repo path.  The token is optional but
// without it private repositories and check annotations are off-limits.
// Fails if the repository can't be fetched, so a bad URL or token
// surfaces at startup rather than mid-pipeline.
func NewGitHubActions(httpClient *http.Client, rawURL, token string, logger *log.Logger) (*GitHubActions, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing GitHub URL %q: %w", rawURL, err)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		return nil, fmt.Errorf("GitHub URL %q needs the full path to a repository", rawURL)
	}
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token}))
	}
	g := &GitHubActions{
		client: github.NewClient(httpClient),
		owner:  segments[0],
		repo:   segments[1],
		logger: logger,
	}
	if _, _, err := g.client.Repositories.Get(context.Background(), g.owner, g.repo); err != nil {
		return nil, fmt.Errorf("checking repository %s/%s: %w", g.owner, g.repo, err)
	}
	return g, nil
}

func (g *GitHubActions) Handle() string { return "github" }

// StartWork waits until at least one workflow run exists for the pushed
// branch.  A repository with no matching workflows would stall the
// pipeline forever, so after the timeout we log and carry on; the
// completion waiter deals with whatever is or isn't there.
func (g *GitHubActions) StartWork(ctx context.Context, branch string, _ *url.URL) error {
	deadline := time.Now().Add(startTimeout)
	for {
		runs, err := g.workflowRuns(ctx, branch)
		if err != nil {
			return err
		}
		if len(runs) > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			g.logger.Printf("Branch %s has no workflows started!", branch)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startPoll):
		}
	}
}

// GetProgress reports every workflow run on the branch as a Result.
func (g *GitHubActions) GetProgress(ctx context.Context, branch string, _ *url.URL) ([]Result, error) {
	runs, err := g.workflowRuns(ctx, branch)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(runs))
	for _, run := range runs {
		result := Result{
			Name:  run.GetName(),
			State: runJobState(run.GetStatus(), run.GetConclusion()),
			URL:   run.GetHTMLURL(),
		}
		if run.GetStatus() == "completed" {
			result.Outcome, result.Description = g.conclude(ctx, run)
		}
		results = append(results, result)
	}
	return results, nil
}

// CleanUp has nothing to do: branches belong to the git engine and
// GitHub expires old workflow runs on its own.
func (g *GitHubActions) CleanUp(ctx context.Context, branch string, _ *url.URL) error {
	return nil
}

func (g *GitHubActions) workflowRuns(ctx context.Context, branch string) ([]*github.WorkflowRun, error) {
	runs, _, err := g.client.Actions.ListRepositoryWorkflowRuns(ctx, g.owner, g.repo,
		&github.ListWorkflowRunsOptions{
			Branch:      branch,
			ListOptions: github.ListOptions{PerPage: 100},
		})
	if err != nil {
		return nil, fmt.Errorf("listing workflow runs for %s: %w", branch, err)
	}
	return runs.WorkflowRuns, nil
}

// runJobState maps a workflow run's status/conclusion pair onto the
// pipeline's job lifecycle.  Conclusions that stop a run before its jobs
// can judge the patch count as failed rather than completed.
func runJobState(status, conclusion string) JobState {
	switch status {
	case "queued":
		return Waiting
	case "in_progress":
		return Running
	}
	switch conclusion {
	case "cancelled", "stale", "skipped", "timed_out", "startup_failure":
		return Failed
	}
	return Completed
}

// conclude turns a completed run's conclusion into an outcome and a
// human-readable description for the tracker.
func (g *GitHubActions) conclude(ctx context.Context, run *github.WorkflowRun) (patchwork.TestState, string) {
	switch conclusion := run.GetConclusion(); conclusion {
	case "success":
		count, err := g.annotationCount(ctx, run)
		if err != nil {
			g.logger.Printf("Couldn't count annotations on run %d: %s", run.GetID(), err)
			return patchwork.Success, ""
		}
		return successOutcome(count)
	case "failure":
		jobs, err := g.failedJobs(ctx, run)
		if err != nil {
			g.logger.Printf("Couldn't inspect jobs of run %d: %s", run.GetID(), err)
			return patchwork.Fail, ""
		}
		return failureOutcome(jobs)
	case "neutral", "skipped", "stale":
		return patchwork.Warning, ""
	case "action_required":
		return patchwork.Fail, "Manual intervention required"
	case "startup_failure":
		return patchwork.Fail, "Workflow failed to start"
	case "cancelled", "timed_out":
		return patchwork.Fail, ""
	default:
		g.logger.Printf("Unknown conclusion %q on run %d", conclusion, run.GetID())
		return patchwork.Fail, ""
	}
}

// successOutcome weakens a clean run to a warning when jobs left
// annotations, which is how compilers surface new warnings.
func successOutcome(annotations int) (patchwork.TestState, string) {
	if annotations == 0 {
		return patchwork.Success, ""
	}
	return patchwork.Warning, fmt.Sprintf("Completed with %d annotations", annotations)
}

// failureOutcome drills into the failed jobs to name the step that
// broke.  A failure in GitHub's own setup step is infrastructure, not
// the patch, so it only rates a warning.
func failureOutcome(jobs []*github.WorkflowJob) (patchwork.TestState, string) {
	var steps []string
	var jobName string
	setup := false
	for _, job := range jobs {
		jobName = job.GetName()
		for _, step := range job.Steps {
			if step.GetConclusion() != "failure" {
				continue
			}
			steps = append(steps, step.GetName())
			if strings.HasPrefix(step.GetName(), "Set up") {
				setup = true
			}
		}
	}
	if setup {
		return patchwork.Warning,
			fmt.Sprintf("Job %s failed to run: setup step failed", jobName)
	}
	switch len(steps) {
	case 0:
		return patchwork.Fail, fmt.Sprintf("Job %s failed", jobName)
	case 1:
		return patchwork.Fail, fmt.Sprintf("Job %s failed at step %s", jobName, steps[0])
	default:
		return patchwork.Fail, fmt.Sprintf("%d steps failed across %d jobs", len(steps), len(jobs))
	}
}

func (g *GitHubActions) failedJobs(ctx context.Context, run *github.WorkflowRun) ([]*github.WorkflowJob, error) {
	jobs, _, err := g.client.Actions.ListWorkflowJobs(ctx, g.owner, g.repo, run.GetID(),
		&github.ListWorkflowJobsOptions{Filter: "latest"})
	if err != nil {
		return nil, err
	}
	var failed []*github.WorkflowJob
	for _, job := range jobs.Jobs {
		if job.GetConclusion() == "failure" {
			failed = append(failed, job)
		}
	}
	return failed, nil
}

// annotationCount sums check-run annotations across the run's jobs.  A
// workflow job's ID doubles as its check run ID.
func (g *GitHubActions) annotationCount(ctx context.Context, run *github.WorkflowRun) (int, error) {
	jobs, _, err := g.client.Actions.ListWorkflowJobs(ctx, g.owner, g.repo, run.GetID(),
		&github.ListWorkflowJobsOptions{Filter: "latest"})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, job := range jobs.Jobs {
		annotations, _, err := g.client.Checks.ListCheckRunAnnotations(ctx, g.owner,
			g.repo, job.GetID(), &github.ListOptions{PerPage: 100})
		if err != nil {
			return 0, err
		}
		count += len(annotations)
	}
	return count, nil
}
