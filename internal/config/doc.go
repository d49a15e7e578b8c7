// Package config provides centralized configuration management for the
// control-plane daemon, covering the mTLS listener, storage backends, the
// event queue, scheduling knobs, and logging output.
package config
