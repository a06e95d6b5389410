package main

import "time"

// GlobalFlags are shared by every command that talks to a running shell.
type GlobalFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// ServeFlags Flag structs to decouple cobra from logic for testing.
type ServeFlags struct {
	ConfigPath string
	DataDir    string
	Listen     string
	KeepProxy  bool
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type StopFlags struct {
	Wait time.Duration
}

type StatusFlags struct {
	Watch    bool
	Interval time.Duration
}

type LogsFlags struct {
	Since    uint64
	Tail     int
	Follow   bool
	Interval time.Duration
}

type GenerateFlags struct {
	Name    string
	Address string
	Port    int
	UUID    string
	Network string
	WSPath  string
	TLS     bool
}

type HistoryFlags struct {
	Limit int
}
