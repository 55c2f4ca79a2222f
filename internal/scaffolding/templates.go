package scaffolding

// GetBuiltinTemplates returns the built-in site templates.
func GetBuiltinTemplates() map[string]SiteTemplate {
	return map[string]SiteTemplate{
		"basic": {
			Description: "HTML pages with a shared header, a markdown page and a stylesheet",
			Files: []FileTemplate{
				{Path: ".devserve.yml", Content: configTemplate},
				{Path: "index.html", Content: indexTemplate},
				{Path: "_header.html", Content: headerTemplate},
				{Path: "_layout.html", Content: layoutTemplate},
				{Path: "about.md", Content: aboutTemplate},
				{Path: "styles/site.css", Content: stylesTemplate},
				{Path: "scripts/app.js", Content: scriptTemplate},
			},
		},
		"templ": {
			Description: "templ components generated on save, plus a static page",
			Files: []FileTemplate{
				{Path: ".devserve.yml", Content: configTemplate},
				{Path: "index.html", Content: indexTemplate},
				{Path: "_header.html", Content: headerTemplate},
				{Path: "components/hello.templ", Content: helloTemplTemplate},
				{Path: "styles/site.css", Content: stylesTemplate},
			},
		},
		"proxy": {
			Description: "Live reload in front of an application server on localhost:3000",
			Files: []FileTemplate{
				{Path: ".devserve.yml", Content: proxyConfigTemplate},
				{Path: "styles/site.css", Content: stylesTemplate},
			},
		},
	}
}

const configTemplate = `# devserve configuration for [[.ProjectName]], generated [[.Date]].
server:
  host: localhost
  port: [[.Port]]
watch:
  root: .
  exclude:
    - .git/**
    - node_modules/**
    - "**/*.swp"
    - "**/*~"
build:
  output_dir: .devserve/out
log:
  level: info
  format: text
`

const proxyConfigTemplate = `# devserve configuration for [[.ProjectName]], generated [[.Date]].
server:
  host: localhost
  port: [[.Port]]
watch:
  root: .
  include:
    - "**/*.css"
    - "**/*.js"
    - "**/*.html"
  exclude:
    - .git/**
    - node_modules/**
build:
  output_dir: .devserve/out
proxy:
  origin: http://localhost:3000
  probe_interval: 2s
  inject: true
log:
  level: info
`

const indexTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>[[.Title]]</title>
<link rel="stylesheet" href="/styles/site.css">
</head>
<body>
<!--#include file="_header.html" -->
<main>
<p>Edit index.html and save; the page reloads on its own.</p>
</main>
</body>
</html>
`

const headerTemplate = `<header>
<a href="/">[[.Title]]</a>
<nav><a href="/about">About</a></nav>
</header>
`

const layoutTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{title}} | [[.Title]]</title>
<link rel="stylesheet" href="/styles/site.css">
</head>
<body>
<main>
{{content}}
</main>
</body>
</html>
`

const aboutTemplate = `# About [[.Title]]

This page is rendered from markdown inside _layout.html. Changing the layout
rebuilds every page that uses it.
`

const stylesTemplate = `body {
  font-family: system-ui, sans-serif;
  margin: 0 auto;
  max-width: 48rem;
  padding: 1rem;
}

header {
  display: flex;
  justify-content: space-between;
}
`

const scriptTemplate = `document.documentElement.dataset.project = "[[.ProjectName]]";
`

const helloTemplTemplate = `package components

templ Hello(name string) {
	<section class="hello">
		<h1>Hello, { name }!</h1>
	</section>
}
`
