// uploadserver 接收分段上传的测试服务，保存到本地目录
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/sirupsen/logrus"

	"github.com/bililive-go/segcast/src/servers"
)

var (
	app   = kingpin.New("uploadserver", "Receive uploaded segments and store them on disk.")
	addr  = app.Flag("addr", "Listen address.").Default(":3000").String()
	dir   = app.Flag("dir", "Directory for received files; wiped on start.").Default("downloads").String()
	debug = app.Flag("debug", "Enable debug logging.").Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	rc, err := servers.NewReceiver(*dir)
	if err != nil {
		logrus.WithError(err).Fatal("failed to prepare download directory")
	}
	srv, err := servers.NewServer(*addr, servers.NewRouter(servers.RouterOptions{Receiver: rc}))
	if err != nil {
		logrus.WithError(err).Fatal("failed to listen")
	}
	srv.Start()
	logrus.WithFields(logrus.Fields{"addr": srv.Addr(), "dir": rc.Dir()}).Info("upload server started")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logrus.Info("Received shutdown signal, closing...")
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Close(closeCtx); err != nil {
		logrus.WithError(err).Warn("failed to close server")
	}
}
