// Package container runs the record store locally in a Docker container.
//
// Docker drives the docker CLI: PullImage fetches the image, CreateAndStart
// launches an auto-removed container with the store port published,
// WaitHealthy polls a caller-supplied probe until the store answers, and
// Stop ends the container. The relay only uses it outside production and
// never for SQLite.
//
// Command execution goes through the Runner interface so tests can record
// invocations without a Docker daemon.
package container
