package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/respexport/internal/export"
	"github.com/pavelanni/respexport/internal/filestore"
	"github.com/pavelanni/respexport/internal/handler"
	appI18n "github.com/pavelanni/respexport/internal/i18n"
	"github.com/pavelanni/respexport/internal/model"
	"github.com/pavelanni/respexport/internal/quizfile"
	"github.com/pavelanni/respexport/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: cannot read .env:", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "respexport",
		Short:        "Export quiz responses and attachments as a ZIP archive",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), exportCmd(), importCmd(), quizzesCmd(), historyCmd(), userCmd())
	return root
}

func addCommonFlags(f *pflag.FlagSet) {
	f.String("db", "respexport.db", "SQLite database path")
	f.String("files-backend", "sqlite", "File content backend (sqlite, minio)")
	f.String("minio-endpoint", "localhost:9000", "MinIO/S3 endpoint")
	f.String("minio-access-key", "", "MinIO access key")
	f.String("minio-secret-key", "", "MinIO secret key")
	f.String("minio-bucket", "respexport", "Bucket holding file contents")
	f.String("minio-region", "", "Bucket region")
	f.Bool("minio-use-ssl", false, "Use TLS for MinIO")
	f.String("minio-prefix", "", "Object name prefix inside the bucket")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP download server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	addCommonFlags(f)
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSliceP("quizzes", "q", nil, "Quiz YAML files to import at startup (repeatable)")
	f.StringP("lang", "l", "en", "Default language of messages (en, de)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /export)")
	f.String("temp-dir", "", "Directory for archives being built (default: system temp dir)")
	f.Int("level", 0, "Deflate level 1-9 (0 = default)")
	f.Bool("force-gc", false, "Run the garbage collector after every attempt")
	f.Int64("max-upload", 32<<20, "Maximum quiz upload size in bytes")
	f.String("admin-password", "", "Initial admin password (or set RESPEXPORT_ADMIN_PASSWORD)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the response archive of a quiz to a file",
		RunE:  runExport,
	}
	f := cmd.Flags()
	addCommonFlags(f)
	f.Int64("quiz-id", 0, "Quiz to export (required)")
	f.StringP("output", "o", "", "Output archive path (default: <course>-<quiz>-responses.zip)")
	f.String("folders", "1", "Folder hierarchy: 1/question = by question, 2/student = by student")
	f.String("editorfilename", "1", "Text response file name: 1/fixed, 2/path from question, 3/base name from question")
	f.String("whichtries", string(model.LastTry), "Tries to export (firsttry, lasttry, alltries)")
	f.String("naming", string(model.NamingFull), "Attempt folder naming (full, nouser, notime, plain)")
	f.Bool("qtext", false, "Include the question text as questiontext.txt")
	f.Bool("ignore-invalid-files", true, "Keep the archive when single files cannot be added")
	f.StringSlice("states", nil, "Attempt states to export (inprogress, overdue, finished, abandoned)")
	f.Int("level", 0, "Deflate level 1-9 (0 = default)")
	f.Bool("force-gc", false, "Run the garbage collector after every attempt")
	_ = cmd.MarkFlagRequired("quiz-id")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import quiz YAML files with their attempts and attachments",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	addCommonFlags(cmd.Flags())
	return cmd
}

func quizzesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quizzes",
		Short: "List imported quizzes",
		RunE:  runQuizzes,
	}
	addCommonFlags(cmd.Flags())
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the export history of a quiz",
		RunE:  runHistory,
	}
	addCommonFlags(cmd.Flags())
	cmd.Flags().Int64("quiz-id", 0, "Quiz to show (required)")
	_ = cmd.MarkFlagRequired("quiz-id")
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users of the HTTP server",
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Create a user",
		RunE:  runUserAdd,
	}
	f := add.Flags()
	addCommonFlags(f)
	f.String("username", "", "Login name (required)")
	f.String("password", "", "Password (required)")
	f.String("display-name", "", "Display name (default: username)")
	f.String("role", string(model.UserRoleTeacher), "Role (teacher, admin)")
	_ = add.MarkFlagRequired("username")
	_ = add.MarkFlagRequired("password")

	passwd := &cobra.Command{
		Use:   "passwd",
		Short: "Change the password of a user",
		RunE:  runUserPasswd,
	}
	f = passwd.Flags()
	addCommonFlags(f)
	f.String("username", "", "Login name (required)")
	f.String("password", "", "New password (required)")
	_ = passwd.MarkFlagRequired("username")
	_ = passwd.MarkFlagRequired("password")

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE:  runUserList,
	}
	addCommonFlags(list.Flags())

	cmd.AddCommand(add, passwd, list)
	return cmd
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("RESPEXPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("respexport")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/respexport")
	v.AddConfigPath("/etc/respexport")
	err := v.ReadInConfig()

	setupLogging(v)
	var notFound viper.ConfigFileNotFoundError
	switch {
	case errors.As(err, &notFound):
	case err != nil:
		slog.Warn("error reading config file", "error", err)
	default:
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}
	return v
}

// openStore opens the database and the configured content backend.
func openStore(ctx context.Context, v *viper.Viper) (*store.Store, filestore.Backend, error) {
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	backend, err := filestore.New(ctx, filestore.Config{
		Backend: v.GetString("files-backend"),
		Minio: filestore.MinioConfig{
			Endpoint:  v.GetString("minio-endpoint"),
			AccessKey: v.GetString("minio-access-key"),
			SecretKey: v.GetString("minio-secret-key"),
			Bucket:    v.GetString("minio-bucket"),
			Region:    v.GetString("minio-region"),
			UseSSL:    v.GetBool("minio-use-ssl"),
			Prefix:    v.GetString("minio-prefix"),
		},
	}, db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("open file backend: %w", err)
	}
	return db, backend, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, backend, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := seedAdmin(db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if err := importFiles(ctx, db, backend, v.GetStringSlice("quizzes")); err != nil {
		return fmt.Errorf("load quizzes: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	h := handler.New(db, backend, handler.Config{
		TempDir:   v.GetString("temp-dir"),
		Level:     v.GetInt("level"),
		ForceGC:   v.GetBool("force-gc"),
		MaxUpload: v.GetInt64("max-upload"),
	})

	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware())
	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"lang", lang,
		"base_path", basePath,
		"files_backend", v.GetString("files-backend"),
		"languages", appI18n.Languages(),
	)
	return http.ListenAndServe(addr, r)
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	values := map[string]string{
		"folders":            v.GetString("folders"),
		"editorfilename":     v.GetString("editorfilename"),
		"whichtries":         v.GetString("whichtries"),
		"naming":             v.GetString("naming"),
		"qtext":              strconv.FormatBool(v.GetBool("qtext")),
		"ignoreinvalidfiles": strconv.FormatBool(v.GetBool("ignore-invalid-files")),
		"states":             strings.Join(v.GetStringSlice("states"), ","),
	}
	opts, err := model.ParseOptions(func(key string) string { return values[key] })
	if err != nil {
		return fmt.Errorf("export options: %w", err)
	}

	db, backend, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	quizID := v.GetInt64("quiz-id")
	quiz, err := db.GetQuiz(ctx, quizID)
	if err != nil {
		return fmt.Errorf("get quiz %d: %w", quizID, err)
	}
	out := v.GetString("output")
	if out == "" {
		out = export.DownloadFilename(quiz.CourseShort, quiz.Name)
	}

	requestedBy := os.Getenv("USER")
	if requestedBy == "" {
		requestedBy = "cli"
	}
	res, err := export.New(db, backend, export.Config{
		Options:     opts,
		Level:       v.GetInt("level"),
		ForceGC:     v.GetBool("force-gc"),
		RequestedBy: requestedBy,
		Filename:    filepath.Base(out),
	}).Run(ctx, quizID, out)
	if err != nil {
		return fmt.Errorf("export quiz %d: %w", quizID, err)
	}

	for _, f := range res.Failures {
		fmt.Fprintln(os.Stderr, "skipped:", f)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows, %d entries, %d skipped\n", res.Path, res.Rows, res.Entries, len(res.Failures))
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, backend, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()
	return importFiles(ctx, db, backend, args)
}

// importFiles imports quiz documents, skipping files already imported
// unchanged.
func importFiles(ctx context.Context, db *store.Store, content store.ContentWriter, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		id, qi, err := quizfile.Import(ctx, db, content, path, data)
		if errors.Is(err, quizfile.ErrAlreadyImported) {
			continue
		}
		if err != nil {
			return err
		}
		slog.Info("imported quiz file", "path", path, "id", id, "name", qi.Name, "attempts", len(qi.Attempts))
	}
	return nil
}

func runQuizzes(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	quizzes, err := db.ListQuizzes(cmd.Context())
	if err != nil {
		return fmt.Errorf("list quizzes: %w", err)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOURSE\tNAME\tSOURCE")
	for _, q := range quizzes {
		src, err := db.GetQuizMetadata(cmd.Context(), q.ID, store.MetaSource)
		if err != nil {
			return fmt.Errorf("quiz %d metadata: %w", q.ID, err)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", q.ID, q.CourseShort, q.Name, src)
	}
	return tw.Flush()
}

func runHistory(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	runs, err := db.ListExports(cmd.Context(), v.GetInt64("quiz-id"))
	if err != nil {
		return fmt.Errorf("list exports: %w", err)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSTATUS\tROWS\tENTRIES\tSKIPPED\tBY\tFILE\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, r.Rows, r.Entries, r.Failures, r.RequestedBy, r.Filename, r.Error)
	}
	return tw.Flush()
}

func runUserAdd(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	role := model.UserRole(v.GetString("role"))
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte(v.GetString("password")), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	username := v.GetString("username")
	displayName := v.GetString("display-name")
	if displayName == "" {
		displayName = username
	}
	if _, err := db.CreateUser(model.User{
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
	}); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func runUserPasswd(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte(v.GetString("password")), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	username := v.GetString("username")
	if err := db.SetUserPassword(username, string(hash)); err != nil {
		return fmt.Errorf("set password of %s: %w", username, err)
	}
	slog.Info("password changed", "username", username)
	return nil
}

func runUserList(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	users, err := db.ListUsers()
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSERNAME\tNAME\tROLE\tACTIVE")
	for _, u := range users {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\n", u.ID, u.Username, u.DisplayName, u.Role, u.Active)
	}
	return tw.Flush()
}

func seedAdmin(db *store.Store, password string) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or RESPEXPORT_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if _, err := db.CreateUser(model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	}); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
