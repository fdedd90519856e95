package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/getodk/collect-sub021/internal/changelock"
	"github.com/getodk/collect-sub021/internal/config"
	"github.com/getodk/collect-sub021/internal/deviceid"
	"github.com/getodk/collect-sub021/internal/disksync"
	"github.com/getodk/collect-sub021/internal/filex"
	"github.com/getodk/collect-sub021/internal/formdownload"
	"github.com/getodk/collect-sub021/internal/formsource"
	"github.com/getodk/collect-sub021/internal/instancesdata"
	"github.com/getodk/collect-sub021/internal/logging"
	"github.com/getodk/collect-sub021/internal/metrics"
	"github.com/getodk/collect-sub021/internal/openrosa"
	"github.com/getodk/collect-sub021/internal/repositories/forms"
	"github.com/getodk/collect-sub021/internal/repositories/instances"
	"github.com/getodk/collect-sub021/internal/repositories/metadata"
	"github.com/getodk/collect-sub021/internal/repositories/savepoints"
	"github.com/getodk/collect-sub021/internal/scheduler"
	"github.com/getodk/collect-sub021/internal/storage"
	"github.com/getodk/collect-sub021/internal/submit"
	"github.com/getodk/collect-sub021/internal/upload"
	"github.com/jmoiron/sqlx"
)

// App holds everything a command needs for one project.
type App struct {
	cfg *config.Config
	log logging.Logger
	out io.Writer
	in  *bufio.Reader
	now func() time.Time

	db         *sqlx.DB
	forms      *forms.SQLiteRepository
	instances  *instances.SQLiteRepository
	savepoints *savepoints.SQLiteRepository
	deleter    *instances.Deleter
	locks      *changelock.Provider
	sched      *scheduler.Dispatcher
	metrics    *metrics.Metrics

	source     *formsource.Source
	downloader *formdownload.Downloader
	submitter  submit.InstanceSubmitter
	autoSender submit.AutoSender
	sender     submit.Sender
	syncer     *disksync.Synchronizer
	data       *instancesdata.Service
}

func NewApp(ctx context.Context, cfg *config.Config, log logging.Logger, out io.Writer, in io.Reader) (*App, error) {
	for _, dir := range []string{cfg.DataDir, cfg.ProjectDir(), cfg.FormsDir(), cfg.InstancesDir(), cfg.CacheDir()} {
		if err := filex.EnsureDir(dir); err != nil {
			return nil, err
		}
	}

	db, err := storage.InitDatabase(ctx, cfg.DBPath())
	if err != nil {
		log.Error(ctx, "error initializing database", "error", err)
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		log:     log,
		out:     out,
		in:      bufio.NewReader(in),
		now:     time.Now,
		db:      db,
		locks:   changelock.NewProvider(),
		sched:   scheduler.New(context.Background()),
		metrics: metrics.New(),
	}
	a.forms = forms.NewSQLiteRepository(db, cfg.FormsDir())
	a.instances = instances.NewSQLiteRepository(db, cfg.InstancesDir())
	a.savepoints = savepoints.NewSQLiteRepository(db)
	a.deleter = instances.NewDeleter(a.instances, a.forms)

	client := openrosa.NewClient(openrosa.Options{
		Timeout: cfg.HTTPTimeout,
		Logger:  log,
		Metrics: a.metrics,
	})
	creds := &openrosa.Credentials{Username: cfg.Username, Password: cfg.Password}

	a.source = formsource.NewSource(client, cfg.ServerURL, cfg.FormListPath, creds, log)
	a.downloader = formdownload.NewDownloader(a.source, a.forms, cfg.FormsDir(), log)
	a.submitter = submit.NewInstanceSubmitter(submit.Params{
		Settings: submit.SettingsFromConfig(cfg),
		Server:   upload.NewServerUploader(client, a.instances, creds, cfg.ContentLengthThreshold, log),
		Sheets:   a.sheetsUploader,
		Forms:    a.forms,
		Deleter:  a.deleter,
		DeviceID: deviceid.New(metadata.NewSQLiteRepository(db)),
		Logger:   log,
		Metrics:  a.metrics,
	})
	a.autoSender = submit.NewAutoSender(a.locks, a.instances, a.forms, a.submitter, cfg.AutoSend, log)
	a.sender = submit.NewSender(a.locks, a.instances, a.submitter)
	a.syncer = disksync.NewSynchronizer(cfg.InstancesDir(), a.instances, a.forms, a.locks.InstancesLock(cfg.ProjectID), log)
	a.data = instancesdata.New(a.autoSender, a.sched, cfg.AutoSend, log)
	return a, nil
}

func (a *App) sheetsUploader(ctx context.Context) (upload.Uploader, error) {
	if a.cfg.GoogleCredentialsFile == "" {
		return nil, errors.New("no Google credentials file configured")
	}
	sheets, drive, err := upload.NewGoogleServices(ctx, a.cfg.GoogleCredentialsFile)
	if err != nil {
		return nil, err
	}
	return upload.NewSheetsUploader(sheets, drive, a.instances, a.log), nil
}

// Close lets scheduled work such as auto-send finish, then closes the
// database.
func (a *App) Close() error {
	a.sched.Wait()
	a.sched.Close()
	return a.db.Close()
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

// promptMissingPassword asks for the server password when a username is
// configured without one and stdin is a terminal.
func promptMissingPassword(cfg *config.Config, w io.Writer) error {
	if cfg.Username == "" || cfg.Password != "" || !stdinIsTerminal() {
		return nil
	}
	pw, err := GetPassword(w, cfg.Username)
	if err != nil {
		return err
	}
	cfg.Password = pw
	return nil
}
