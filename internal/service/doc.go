// Package service composes dockhand from its configuration.
//
// Overview
// A Service owns one process runner shared by docker queries and tasks, a
// docker client, the inventory cache, the task registry and the deletion
// checker.
//
// Data flow:
//
//	gocron ---- tick ----> Cache.RefreshAsync ----> docker ps / images
//	CLI ------ run ------> Registry.StartMultipleTasks ----> Runner.Stream
//	CLI ------ rmi ------> Checker.TryDeleteImage ----> Cache.RefreshAsync
//	ctx done ------------> Registry.StopAllTasks ----> sweep prefix
//
// Do blocks until its context is done. Shutdown returns once every task
// worker did.
//
// Configuration comes from model.LoadConfig, Overrides then applies
// DOCKHAND_* variables and bound flags through viper.
package service
