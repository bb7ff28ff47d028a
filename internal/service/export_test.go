package service

var NewScheduler = newScheduler
