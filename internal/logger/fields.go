package logger

import "go.uber.org/zap"

func ExecutionID(id int64) zap.Field { return zap.Int64("execution_id", id) }

func UserEmail(email string) zap.Field { return zap.String("user_email", email) }

func BrowserID(id string) zap.Field { return zap.String("browser_id", id) }

func Cycle(id string) zap.Field { return zap.String("cycle", id) }

func Status(status string) zap.Field { return zap.String("status", status) }
