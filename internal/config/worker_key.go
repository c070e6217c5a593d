package config

type WorkerKeyStruct struct {
	PersistAnswersQueue string
	// DeadAnswersQueue keeps answer jobs the database refused, for inspection.
	DeadAnswersQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue: "persist_answers_queue",
	DeadAnswersQueue:    "persist_answers_dead",
}
