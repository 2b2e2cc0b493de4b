package core

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

type MyLog struct {
}

// 颜色
const (
	red    = 31
	yellow = 33
	blue   = 36
	gray   = 37
)

func (MyLog) Format(entry *logrus.Entry) ([]byte, error) {
	//根据不同的level去展示颜色
	var levelColor int
	switch entry.Level {
	case logrus.DebugLevel, logrus.TraceLevel:
		levelColor = gray
	case logrus.WarnLevel:
		levelColor = yellow
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		levelColor = red
	default:
		levelColor = blue
	}
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}
	//自定义日期格式
	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	if entry.HasCaller() {
		//自定义文件路径
		funcVal := path.Base(entry.Caller.Function)
		fileVal := fmt.Sprintf("%s:%d", path.Base(entry.Caller.File), entry.Caller.Line)
		//自定义输出格式
		fmt.Fprintf(b, "[%s] \x1b[%dm[%s]\x1b[0m [%s,%s] \x1b[%dm %s \x1b[0m\n", timestamp, levelColor, entry.Level, fileVal, funcVal, levelColor, entry.Message)
	} else {
		fmt.Fprintf(b, "[%s] \x1b[%dm[%s]\x1b[0m \x1b[%dm %s \x1b[0m\n", timestamp, levelColor, entry.Level, levelColor, entry.Message)
	}
	return b.Bytes(), nil
}

// InitLogger level 解析失败时使用 info，dir 为空时只输出到终端
func InitLogger(level, dir string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetReportCaller(true)
	logrus.SetFormatter(MyLog{})
	if dir != "" {
		logrus.AddHook(&Myhook{
			logPath: dir,
		})
	}
	if err != nil {
		logrus.Warnf("日志级别 %q 无效，使用 info", level)
	}
}

type Myhook struct {
	file    *os.File   // 当前打开的日志文件
	errFile *os.File   //	错误日志
	date    string     // 当前的时间
	logPath string     // 日志目录
	mu      sync.Mutex // 锁
}

func (hook *Myhook) Fire(entry *logrus.Entry) error {
	// 1.写入到文件
	// 2.时间分片
	// 3.错误单独放

	hook.mu.Lock()
	defer hook.mu.Unlock()
	// 写入到文件
	msg, _ := entry.String()
	date := entry.Time.Format("2006-01-02")
	if hook.date != date {
		//换时间
		if err := hook.rotateFiles(date); err != nil {
			return err
		}
		hook.date = date
	}
	// 错误单独放
	if entry.Level <= logrus.ErrorLevel {
		hook.errFile.Write([]byte(msg))
	}
	hook.file.Write([]byte(msg))

	return nil
}

func (hook *Myhook) rotateFiles(date string) error {
	if hook.file != nil {
		hook.file.Close()
		hook.errFile.Close()
		hook.file, hook.errFile = nil, nil
	}

	//创建目录
	logDir := filepath.Join(hook.logPath, date)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "info.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	// 错误日志
	errFile, err := os.OpenFile(filepath.Join(logDir, "err.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		file.Close()
		return err
	}
	hook.file = file
	hook.errFile = errFile
	return nil
}

// 决定 哪些级别日志走 Fire 方法
func (*Myhook) Levels() []logrus.Level {
	return logrus.AllLevels
}
