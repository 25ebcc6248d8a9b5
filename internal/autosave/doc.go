// Package autosave periodically persists the attached subject's recovery
// state on a wall-clock schedule driven by robfig/cron.
package autosave
