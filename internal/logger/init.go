package logger

import "log"

// InitLogger 初始化进程日志器。
// 中继的所有稳态错误都只落日志：单帧错误丢帧继续，
// 清理步骤错误逐条记录且互不阻塞。
func InitLogger() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Printf("Logger initialized")
}
